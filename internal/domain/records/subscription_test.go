package records

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSubscriptions(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	svc := f.svc.Subscriptions

	sub, err := svc.CreateSubscription(ctx, CreateSubscriptionRequest{PatientID: f.patient, AutoRenew: true})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if sub.Status != SubscriptionActive || sub.StartDate.IsZero() {
		t.Errorf("unexpected subscription %+v", sub)
	}

	items, total, err := svc.ListSubscriptions(ctx, f.patient, 10, 0)
	if err != nil || total != 1 || items[0].ID != sub.ID {
		t.Fatalf("expected the subscription to be listed, got %v (%d) %v", items, total, err)
	}

	cancelled, err := svc.CancelSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("CancelSubscription: %v", err)
	}
	if cancelled.Status != SubscriptionCancelled {
		t.Errorf("expected CANCELLED, got %s", cancelled.Status)
	}
	if _, err := svc.CancelSubscription(ctx, sub.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on second cancel, got %v", err)
	}
	if _, err := svc.CancelSubscription(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateSubscription_Validation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	if _, err := f.svc.Subscriptions.CreateSubscription(ctx, CreateSubscriptionRequest{}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}

	start := time.Now()
	end := start.Add(-time.Hour)
	_, err := f.svc.Subscriptions.CreateSubscription(ctx, CreateSubscriptionRequest{
		PatientID: f.patient, StartDate: &start, EndDate: &end,
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for end before start, got %v", err)
	}
}
