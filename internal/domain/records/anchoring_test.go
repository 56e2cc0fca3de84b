package records

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/ehr/recordvault/internal/platform/events"
)

func strp(s string) *string { return &s }

func TestOnAnchorResult_Transitions(t *testing.T) {
	tests := []struct {
		name   string
		status AnchorStatus
		txRef  *string
	}{
		{"committed", AnchorCommitted, strp("0xabc")},
		{"failed", AnchorFailed, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			created := f.create(t, `{"a":1}`)

			v, err := f.svc.Anchors.OnAnchorResult(context.Background(), created.Version.ID, tt.status, tt.txRef)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.AnchorStatus != tt.status {
				t.Errorf("expected %s, got %s", tt.status, v.AnchorStatus)
			}
			if evs := f.publisher.OfType(events.TypeAnchorResult); len(evs) != 1 {
				t.Errorf("expected one anchor_result event, got %d", len(evs))
			}
		})
	}
}

func TestOnAnchorResult_TerminalIsFinal(t *testing.T) {
	f := newFixture(t, false)
	created := f.create(t, `{"a":1}`)
	ctx := context.Background()
	id := created.Version.ID

	if _, err := f.svc.Anchors.OnAnchorResult(ctx, id, AnchorCommitted, strp("0xabc")); err != nil {
		t.Fatalf("first result: %v", err)
	}

	// Identical repeat is a no-op.
	v, err := f.svc.Anchors.OnAnchorResult(ctx, id, AnchorCommitted, strp("0xabc"))
	if err != nil {
		t.Fatalf("repeat should be a no-op, got %v", err)
	}
	if v.AnchorStatus != AnchorCommitted {
		t.Errorf("expected COMMITTED, got %s", v.AnchorStatus)
	}
	if n := len(f.publisher.OfType(events.TypeAnchorResult)); n != 1 {
		t.Errorf("a repeat must not publish again, got %d events", n)
	}

	if _, err := f.svc.Anchors.OnAnchorResult(ctx, id, AnchorFailed, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.svc.Anchors.OnAnchorResult(ctx, id, AnchorCommitted, strp("0xdef")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("a different tx ref must be rejected, got %v", err)
	}
}

func TestOnAnchorResult_BadInput(t *testing.T) {
	f := newFixture(t, false)
	created := f.create(t, `{"a":1}`)
	ctx := context.Background()

	if _, err := f.svc.Anchors.OnAnchorResult(ctx, created.Version.ID, AnchorPending, nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for PENDING, got %v", err)
	}
	if _, err := f.svc.Anchors.OnAnchorResult(ctx, created.Version.ID, AnchorCommitted, nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for a commit without tx ref, got %v", err)
	}
	if _, err := f.svc.Anchors.OnAnchorResult(ctx, uuid.New(), AnchorFailed, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
