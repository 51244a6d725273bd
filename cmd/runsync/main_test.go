package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/urfave/cli/v2"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{name: "nil", err: nil, wantCode: 0},
		{name: "exit without message", err: cli.Exit("", 2), wantCode: 2},
		{name: "exit with message", err: cli.Exit("invalid settings: files_dir is required", 3), wantCode: 3, wantMsg: "invalid settings: files_dir is required\n"},
		{name: "plain error", err: errors.New("boom"), wantCode: 1, wantMsg: "Error: boom\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if got := exitCode(tt.err, &buf); got != tt.wantCode {
				t.Errorf("exitCode = %d, want %d", got, tt.wantCode)
			}
			if buf.String() != tt.wantMsg {
				t.Errorf("stderr = %q, want %q", buf.String(), tt.wantMsg)
			}
		})
	}
}
