package sender

import (
	"errors"
	"testing"

	"github.com/justapithecus/runsync/api"
	"github.com/justapithecus/runsync/types"
)

func TestNegotiateResume_Matrix(t *testing.T) {
	existing := api.ResumeStatus{
		HistoryLineCount: 12,
		EventsLineCount:  7,
		LogLineCount:     30,
		HistoryTail:      `["{\"_step\": 11, \"_runtime\": 42.9, \"loss\": 0.1}"]`,
	}
	nonzero := Offsets{Step: 11, Runtime: 42, History: 12, Events: 7, Output: 30, Resumed: true}

	tests := []struct {
		mode    types.ResumeMode
		exists  bool
		want    Offsets
		wantErr bool
	}{
		{types.ResumeMust, true, nonzero, false},
		{types.ResumeMust, false, Offsets{}, true},
		{types.ResumeNever, true, Offsets{}, true},
		{types.ResumeNever, false, Offsets{}, false},
		{types.ResumeAllow, true, nonzero, false},
		{types.ResumeAllow, false, Offsets{}, false},
		{types.ResumeAuto, true, nonzero, false},
		{types.ResumeAuto, false, Offsets{}, false},
		{types.ResumeNone, true, Offsets{}, false},
	}
	for _, tt := range tests {
		name := string(tt.mode)
		if name == "" {
			name = "none"
		}
		if tt.exists {
			name += "/exists"
		} else {
			name += "/absent"
		}
		t.Run(name, func(t *testing.T) {
			stub := api.NewStubAPI("team", "proj")
			if tt.exists {
				stub.AddRun("team", "proj", "run-1", existing)
			}

			got, info, err := negotiateResume(t.Context(), stub, tt.mode, "", "", "run-1")
			if err != nil {
				t.Fatalf("unexpected transport error: %v", err)
			}
			if (info != nil) != tt.wantErr {
				t.Fatalf("policy error = %v, want error %v", info, tt.wantErr)
			}
			if info != nil && info.Code != types.ErrorCodeInvalid {
				t.Errorf("code = %q, want invalid", info.Code)
			}
			if got != tt.want {
				t.Errorf("offsets = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNegotiateResume_Messages(t *testing.T) {
	stub := api.NewStubAPI("team", "proj")
	_, info, _ := negotiateResume(t.Context(), stub, types.ResumeMust, "", "", "abc")
	if info == nil || info.Message != "resume='must' but run (abc) doesn't exist" {
		t.Errorf("must message = %+v", info)
	}

	stub.AddRun("team", "proj", "abc", api.ResumeStatus{})
	_, info, _ = negotiateResume(t.Context(), stub, types.ResumeNever, "", "", "abc")
	if info == nil || info.Message != "resume='never' but run (abc) exists" {
		t.Errorf("never message = %+v", info)
	}
}

func TestNegotiateResume_TransportError(t *testing.T) {
	stub := api.NewStubAPI("team", "proj")
	stub.ResumeErr = errors.New("connection reset")

	_, info, err := negotiateResume(t.Context(), stub, types.ResumeAllow, "", "", "run-1")
	if err == nil {
		t.Fatal("expected transport error")
	}
	if info != nil {
		t.Errorf("transport errors are not policy errors: %+v", info)
	}
	if got := errorInfo(err); got.Code != types.ErrorCodeCommunication {
		t.Errorf("code = %q, want communication", got.Code)
	}
}

func TestNegotiateResume_UnknownMode(t *testing.T) {
	_, info, err := negotiateResume(t.Context(), api.NewStubAPI("", ""), "sometimes", "", "", "run-1")
	if err != nil || info == nil || info.Code != types.ErrorCodeInvalid {
		t.Fatalf("info = %+v, err = %v", info, err)
	}
}

func TestNegotiateResume_RestoresSummary(t *testing.T) {
	stub := api.NewStubAPI("team", "proj")
	stub.AddRun("team", "proj", "run-1", api.ResumeStatus{SummaryMetrics: `{"best": 0.9}`})

	got, _, _ := negotiateResume(t.Context(), stub, types.ResumeAuto, "", "", "run-1")
	if parseObject(got.Summary)["best"] != 0.9 {
		t.Errorf("summary = %v", got.Summary)
	}
}

func TestParseHistoryTail(t *testing.T) {
	tests := []struct {
		name string
		tail string
		step int64
	}{
		{"empty", "", 0},
		{"empty array", "[]", 0},
		{"not json", "{{", 0},
		{"row not json", `["nope"]`, 0},
		{"row not object", `["[1,2]"]`, 0},
		{"last row wins", `["{\"_step\": 1}", "{\"_step\": 5}"]`, 5},
		{"float truncates", `["{\"_step\": 9.99}"]`, 9},
		{"non-number", `["{\"_step\": \"x\"}"]`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := parseHistoryTail(tt.tail)
			if row == nil {
				t.Fatal("row must never be nil")
			}
			if got := number(row["_step"]); got != tt.step {
				t.Errorf("_step = %d, want %d", got, tt.step)
			}
		})
	}
}
