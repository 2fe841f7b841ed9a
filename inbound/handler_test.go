package inbound

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/infodancer/pgpgate"
)

// recordingIngestor records what was ingested.
type recordingIngestor struct {
	mailbox string
	message []byte
	calls   int
	err     error
}

func (r *recordingIngestor) Ingest(ctx context.Context, mailbox string, message []byte) error {
	r.calls++
	r.mailbox = mailbox
	r.message = message
	return r.err
}

func TestDecide(t *testing.T) {
	enabled := &pgpgate.Project{ID: 1, Enabled: true}
	disabled := &pgpgate.Project{ID: 2}

	tests := []struct {
		name    string
		policy  pgpgate.Policy
		project *pgpgate.Project
		valid   bool
		want    bool
	}{
		{
			name:    "signature not needed",
			policy:  pgpgate.Policy{Activation: pgpgate.ActivationAll},
			project: enabled,
			valid:   false,
			want:    false,
		},
		{
			name:    "valid signature admits",
			policy:  pgpgate.Policy{Activation: pgpgate.ActivationAll, SignatureNeeded: true},
			project: enabled,
			valid:   true,
			want:    false,
		},
		{
			name:    "invalid under all activation rejects",
			policy:  pgpgate.Policy{Activation: pgpgate.ActivationAll, SignatureNeeded: true},
			project: nil,
			valid:   false,
			want:    true,
		},
		{
			name:    "invalid on enabled project rejects",
			policy:  pgpgate.Policy{Activation: pgpgate.ActivationProject, SignatureNeeded: true},
			project: enabled,
			valid:   false,
			want:    true,
		},
		{
			name:    "invalid on disabled project admits",
			policy:  pgpgate.Policy{Activation: pgpgate.ActivationProject, SignatureNeeded: true},
			project: disabled,
			valid:   false,
			want:    false,
		},
		{
			name:    "invalid with no project under project activation admits",
			policy:  pgpgate.Policy{Activation: pgpgate.ActivationProject, SignatureNeeded: true},
			project: nil,
			valid:   false,
			want:    false,
		},
		{
			name:    "none activation bypasses the gate",
			policy:  pgpgate.Policy{Activation: pgpgate.ActivationNone, SignatureNeeded: true},
			project: enabled,
			valid:   false,
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.policy, tt.project, tt.valid); got != tt.want {
				t.Errorf("Decide() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandler_Receive(t *testing.T) {
	ctx := context.Background()
	raw := rawMessage("plain reply")

	newHandler := func(policy pgpgate.Policy, ingestor Ingestor) *Handler {
		auth := NewAuthenticator(testStore(t), &stubEngine{}, mapDirectory{}, nil)
		return NewHandler(auth, pgpgate.StaticPolicy(policy), ingestor, nil)
	}

	t.Run("accepted message is ingested", func(t *testing.T) {
		ingestor := &recordingIngestor{}
		h := newHandler(pgpgate.Policy{Activation: pgpgate.ActivationAll}, ingestor)

		result, err := h.Receive(ctx, raw, Options{Mailbox: "tracker"})
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if result.Rejected {
			t.Error("message rejected without a signature requirement")
		}
		if ingestor.calls != 1 {
			t.Fatalf("ingest calls = %d, want 1", ingestor.calls)
		}
		if ingestor.mailbox != "tracker" {
			t.Errorf("mailbox = %q, want %q", ingestor.mailbox, "tracker")
		}
		if string(ingestor.message) != string(raw) {
			t.Error("ingested message differs from plaintext")
		}
	})

	t.Run("unsigned message is rejected when required", func(t *testing.T) {
		ingestor := &recordingIngestor{}
		h := newHandler(pgpgate.Policy{Activation: pgpgate.ActivationAll, SignatureNeeded: true}, ingestor)

		result, err := h.Receive(ctx, raw, Options{Mailbox: "tracker"})
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if !result.Rejected {
			t.Error("unsigned message admitted despite signature requirement")
		}
		if ingestor.calls != 0 {
			t.Error("rejected message must not be ingested")
		}
	})

	t.Run("summary line carries the admission outcome", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		auth := NewAuthenticator(testStore(t), &stubEngine{}, mapDirectory{}, logger)
		h := NewHandler(auth, pgpgate.StaticPolicy(pgpgate.Policy{
			Activation:      pgpgate.ActivationAll,
			SignatureNeeded: true,
		}), &recordingIngestor{}, logger)

		if _, err := h.Receive(ctx, raw, Options{Mailbox: "tracker"}); err != nil {
			t.Fatalf("receive: %v", err)
		}

		out := buf.String()
		if !strings.Contains(out, "received email") {
			t.Errorf("log output missing summary line: %q", out)
		}
		for _, attr := range []string{"encrypted=false", "valid=false", "rejected=true"} {
			if !strings.Contains(out, attr) {
				t.Errorf("summary line missing %s: %q", attr, out)
			}
		}
		if strings.Count(out, "received email") != 1 {
			t.Errorf("want exactly one summary line, got: %q", out)
		}
	})

	t.Run("disabled project bypasses the gate", func(t *testing.T) {
		ingestor := &recordingIngestor{}
		h := newHandler(pgpgate.Policy{Activation: pgpgate.ActivationProject, SignatureNeeded: true}, ingestor)

		result, err := h.Receive(ctx, raw, Options{Project: &pgpgate.Project{ID: 2}, Mailbox: "tracker"})
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if result.Rejected {
			t.Error("message on disabled project must be admitted")
		}
		if ingestor.calls != 1 {
			t.Error("admitted message must be ingested")
		}
	})
}
