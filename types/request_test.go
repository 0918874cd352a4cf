package types //nolint:revive // types is a valid package name

import (
	"strings"
	"testing"
)

func TestStreamRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     StreamRequest
		wantErr string
	}{
		{
			name: "valid chat",
			req:  StreamRequest{UserID: "u1", Handle: "card:el", Query: "hi"},
		},
		{
			name: "valid workflow without query",
			req:  StreamRequest{UserID: "u1", Handle: "card:el", Mode: ModeWorkflow},
		},
		{
			name:    "missing user",
			req:     StreamRequest{Handle: "card:el", Query: "hi"},
			wantErr: "user_id",
		},
		{
			name:    "missing handle",
			req:     StreamRequest{UserID: "u1", Query: "hi"},
			wantErr: "handle",
		},
		{
			name:    "chat without query",
			req:     StreamRequest{UserID: "u1", Handle: "card:el"},
			wantErr: "query",
		},
		{
			name:    "unknown mode",
			req:     StreamRequest{UserID: "u1", Handle: "card:el", Mode: "batch"},
			wantErr: "unknown mode",
		},
		{
			name:    "negative sequence",
			req:     StreamRequest{UserID: "u1", Handle: "card:el", Query: "q", InitialSequence: -1},
			wantErr: "initial_sequence",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestStreamRequest_Defaults(t *testing.T) {
	r := StreamRequest{}
	if r.EffectiveMode() != ModeChat {
		t.Errorf("EffectiveMode() = %q, want chat", r.EffectiveMode())
	}
	if r.StartSequence() != DefaultInitialSequence {
		t.Errorf("StartSequence() = %d, want %d", r.StartSequence(), DefaultInitialSequence)
	}
	r.InitialSequence = 7
	if r.StartSequence() != 7 {
		t.Errorf("StartSequence() = %d, want 7", r.StartSequence())
	}
}
