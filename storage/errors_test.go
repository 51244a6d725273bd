package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		errMsg   string
		wantKind error
	}{
		{"context deadline exceeded", "context deadline exceeded", ErrTimeout},
		{"timed out", "operation timed out", ErrTimeout},
		{"AccessDenied response", "AccessDenied: you do not have access", ErrAccessDenied},
		{"HTTP 403", "received status 403", ErrAccessDenied},
		{"permission denied", "open /data/x: permission denied", ErrPermissionDenied},
		{"no space left", "write /data/x: no space left on device", ErrDiskFull},
		{"NoSuchKey", "NoSuchKey: The specified key does not exist", ErrNotFound},
		{"ENOENT", "open /tmp/x: no such file or directory", ErrNotFound},
		{"SlowDown", "SlowDown: please reduce your request rate", ErrThrottled},
		{"expired token", "ExpiredToken: the token has expired", ErrAuth},
		{"connection refused", "dial tcp 127.0.0.1:9000: connection refused", ErrNetwork},
		{"unclassified", "something odd happened", ErrUnclassified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError(errors.New(tt.errMsg))
			if got != tt.wantKind {
				t.Errorf("classifyError(%q) = %v, want %v", tt.errMsg, got, tt.wantKind)
			}
		})
	}
}

func TestClassifyError_Nil(t *testing.T) {
	if got := classifyError(nil); got != nil {
		t.Errorf("classifyError(nil) = %v, want nil", got)
	}
}

func TestClassifyError_KeepsExistingKind(t *testing.T) {
	inner := NewStorageError(ErrThrottled, "write", "k", errors.New("boom"))
	if got := classifyError(fmt.Errorf("outer: %w", inner)); got != ErrThrottled {
		t.Errorf("expected wrapped kind to be kept, got %v", got)
	}
}

func TestStorageError_IsAndUnwrap(t *testing.T) {
	cause := context.DeadlineExceeded
	err := WrapWriteError(cause, "runs/a/b/c/files/x")

	if !errors.Is(err, ErrTimeout) {
		t.Error("expected errors.Is(err, ErrTimeout)")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected underlying cause in chain")
	}

	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatal("expected *StorageError")
	}
	if se.Op != "write" || se.Key != "runs/a/b/c/files/x" {
		t.Errorf("unexpected op/key: %q %q", se.Op, se.Key)
	}
}

func TestWrapErrors_Nil(t *testing.T) {
	if WrapWriteError(nil, "k") != nil || WrapReadError(nil, "k") != nil || WrapInitError(nil, "k") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{NewStorageError(ErrNotFound, "read", "k", errors.New("x")), false},
		{NewStorageError(ErrAuth, "write", "k", errors.New("x")), false},
		{NewStorageError(ErrInvalidConfig, "init", "", errors.New("x")), false},
		{NewStorageError(ErrTimeout, "write", "k", errors.New("x")), true},
		{NewStorageError(ErrThrottled, "write", "k", errors.New("x")), true},
		{NewStorageError(ErrNetwork, "write", "k", errors.New("x")), true},
		{errors.New("plain"), true},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
