package types //nolint:revive // types is a valid package name

import (
	"reflect"
	"testing"
)

func TestRecord_Variant(t *testing.T) {
	tests := []struct {
		name   string
		record *Record
		want   RecordVariant
	}{
		{"nil", nil, VariantNone},
		{"empty", &Record{}, VariantNone},
		{"run", &Record{Run: &RunRecord{RunID: "r1"}}, VariantRun},
		{"history", &Record{History: &HistoryRecord{}}, VariantHistory},
		{"summary", &Record{Summary: &SummaryRecord{}}, VariantSummary},
		{"stats", &Record{Stats: &StatsRecord{}}, VariantStats},
		{"output", &Record{Output: &OutputRecord{}}, VariantOutput},
		{"config", &Record{Config: &ConfigRecord{}}, VariantConfig},
		{"files", &Record{Files: &FilesRecord{}}, VariantFiles},
		{"artifact", &Record{Artifact: &ArtifactRecord{}}, VariantArtifact},
		{"exit", &Record{Exit: &ExitRecord{}}, VariantExit},
		{"two variants", &Record{Exit: &ExitRecord{}, Files: &FilesRecord{}}, VariantNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.record.Variant(); got != tt.want {
				t.Errorf("Variant() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRecord_ReqResp(t *testing.T) {
	if (&Record{}).ReqResp() {
		t.Error("record without control should not be req_resp")
	}
	if !(&Record{Control: &Control{ReqResp: true}}).ReqResp() {
		t.Error("expected req_resp")
	}
}

func TestRunRecord_UniqueTags(t *testing.T) {
	r := &RunRecord{Tags: []string{"b", "a", "b", "c", "a"}}
	got := r.UniqueTags()
	want := []string{"b", "a", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("UniqueTags() = %v, want %v", got, want)
	}
}

func TestRunRecord_CloneIsDeep(t *testing.T) {
	r := &RunRecord{
		RunID:  "r1",
		Tags:   []string{"x"},
		Config: &ConfigRecord{Update: []KeyValue{{Key: "lr", ValueJSON: "0.1"}}},
	}
	c := r.Clone()
	c.Tags[0] = "y"
	c.Config.Update[0].ValueJSON = "0.2"

	if r.Tags[0] != "x" {
		t.Error("clone shares tags with original")
	}
	if r.Config.Update[0].ValueJSON != "0.1" {
		t.Error("clone shares config with original")
	}
}

func TestResumeMode_Valid(t *testing.T) {
	for _, m := range []ResumeMode{ResumeNone, ResumeAllow, ResumeAuto, ResumeMust, ResumeNever} {
		if !m.Valid() {
			t.Errorf("%q should be valid", m)
		}
	}
	if ResumeMode("sometimes").Valid() {
		t.Error("unknown mode should be invalid")
	}
}
