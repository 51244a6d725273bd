package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/justapithecus/runsync/api"
	"github.com/justapithecus/runsync/types"
)

// Offsets position a run's streams so a resumed run appends rather than
// overwrites. They are computed once, before any stream is opened.
type Offsets struct {
	Step    int64
	Runtime int64
	History int64
	Events  int64
	Output  int64

	// Resumed is set when an existing remote run is being continued.
	Resumed bool
	// Summary is the remote summary JSON of a resumed run, if any.
	Summary string
}

// negotiateResume queries the remote run for resume modes other than
// none and maps (mode, existence) to offsets or a policy error.
// A failing API call is returned as err; callers must not start the run.
func negotiateResume(ctx context.Context, client api.Client, mode types.ResumeMode, entity, project, runID string) (Offsets, *types.ErrorInfo, error) {
	if !mode.Valid() {
		return Offsets{}, &types.ErrorInfo{
			Code:    types.ErrorCodeInvalid,
			Message: fmt.Sprintf("unknown resume mode %q", mode),
		}, nil
	}
	if mode == types.ResumeNone {
		return Offsets{}, nil, nil
	}

	status, err := client.RunResumeStatus(ctx, entity, project, runID)
	if err != nil {
		return Offsets{}, nil, fmt.Errorf("query resume status: %w", err)
	}

	if status == nil {
		if mode == types.ResumeMust {
			return Offsets{}, &types.ErrorInfo{
				Code:    types.ErrorCodeInvalid,
				Message: fmt.Sprintf("resume='must' but run (%s) doesn't exist", runID),
			}, nil
		}
		return Offsets{}, nil, nil
	}

	if mode == types.ResumeNever {
		return Offsets{}, &types.ErrorInfo{
			Code:    types.ErrorCodeInvalid,
			Message: fmt.Sprintf("resume='never' but run (%s) exists", runID),
		}, nil
	}

	tail := parseHistoryTail(status.HistoryTail)
	return Offsets{
		Step:    number(tail["_step"]),
		Runtime: number(tail["_runtime"]),
		History: status.HistoryLineCount,
		Events:  status.EventsLineCount,
		Output:  status.LogLineCount,
		Resumed: true,
		Summary: status.SummaryMetrics,
	}, nil, nil
}

// parseHistoryTail decodes the last history row from the server's tail:
// a JSON array of JSON-encoded rows. Absent or malformed tails yield an
// empty row.
func parseHistoryTail(tail string) map[string]any {
	var rows []string
	if err := json.Unmarshal([]byte(tail), &rows); err != nil || len(rows) == 0 {
		return map[string]any{}
	}
	row := parseObject(rows[len(rows)-1])
	if row == nil {
		return map[string]any{}
	}
	return row
}

// parseObject decodes a JSON object, returning nil when s is not one.
func parseObject(s string) map[string]any {
	if s == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil
	}
	return obj
}

// number truncates a decoded JSON number to int64. Non-numbers are 0.
func number(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		f, _ := n.Float64()
		return int64(f)
	}
	return 0
}

// errorInfo maps an API failure to the code reported to the producer.
func errorInfo(err error) *types.ErrorInfo {
	code := types.ErrorCodeCommunication
	if errors.Is(err, api.ErrValidation) {
		code = types.ErrorCodeInvalid
	}
	return &types.ErrorInfo{Code: code, Message: err.Error()}
}
