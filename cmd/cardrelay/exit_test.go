package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"
)

func TestExitErrHandler_NilError(t *testing.T) {
	// Must not exit.
	exitErrHandler(nil, nil)
}

func TestExitStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantOut  string
	}{
		{"silent success", cli.Exit("", 0), 0, ""},
		{"errored", cli.Exit("errored: upstream failed", 1), 1, "errored: upstream failed\n"},
		{"degraded", cli.Exit("degraded: stop not delivered", 2), 2, "degraded: stop not delivered\n"},
		{"canceled", cli.Exit("canceled", 3), 3, "canceled\n"},
		{"wrapped", errors.Join(errors.New("context"), cli.Exit("inner", 42)), 42, "inner\n"},
		{"regular error", errors.New("config not found"), 1, "Error: config not found\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if got := exitStatus(tt.err, &buf); got != tt.wantCode {
				t.Errorf("exitStatus = %d, want %d", got, tt.wantCode)
			}
			if buf.String() != tt.wantOut {
				t.Errorf("output = %q, want %q", buf.String(), tt.wantOut)
			}
		})
	}
}

func TestExitStatus_SuppressesGenericMessage(t *testing.T) {
	var buf bytes.Buffer
	if code := exitStatus(cli.Exit("exit status 2", 2), &buf); code != 2 {
		t.Errorf("code = %d, want 2", code)
	}
	if strings.TrimSpace(buf.String()) != "" {
		t.Errorf("expected no output, got %q", buf.String())
	}
}
