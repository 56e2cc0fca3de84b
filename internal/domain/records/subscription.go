package records

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type CreateSubscriptionRequest struct {
	PatientID       uuid.UUID  `json:"patient_id"`
	RecordID        *uuid.UUID `json:"record_id,omitempty"`
	PlanID          *uuid.UUID `json:"plan_id,omitempty"`
	StartDate       *time.Time `json:"start_date,omitempty"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	AutoRenew       bool       `json:"auto_renew"`
	NextBillingDate *time.Time `json:"next_billing_date,omitempty"`
}

type SubscriptionService struct {
	repo SubscriptionRepository
	now  func() time.Time
}

func NewSubscriptionService(repo SubscriptionRepository) *SubscriptionService {
	return &SubscriptionService{repo: repo, now: time.Now}
}

func (s *SubscriptionService) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error) {
	if req.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidInput)
	}
	start := s.now().UTC()
	if req.StartDate != nil {
		start = req.StartDate.UTC()
	}
	if req.EndDate != nil && req.EndDate.Before(start) {
		return nil, fmt.Errorf("%w: end_date is before start_date", ErrInvalidInput)
	}
	sub := &Subscription{
		ID:              uuid.New(),
		PatientID:       req.PatientID,
		RecordID:        req.RecordID,
		PlanID:          req.PlanID,
		StartDate:       start,
		EndDate:         req.EndDate,
		AutoRenew:       req.AutoRenew,
		Status:          SubscriptionActive,
		NextBillingDate: req.NextBillingDate,
	}
	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, indexErr(err)
	}
	return sub, nil
}

func (s *SubscriptionService) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	sub, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, indexErr(err)
	}
	return sub, nil
}

func (s *SubscriptionService) ListSubscriptions(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Subscription, int, error) {
	items, total, err := s.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, indexErr(err)
	}
	if items == nil {
		items = []*Subscription{}
	}
	return items, total, nil
}

// CancelSubscription only cancels an ACTIVE subscription.
func (s *SubscriptionService) CancelSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	ok, err := s.repo.UpdateStatus(ctx, id, SubscriptionActive, SubscriptionCancelled)
	if err != nil {
		return nil, indexErr(err)
	}
	sub, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, indexErr(err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s is %s", ErrInvalidTransition, id, sub.Status)
	}
	return sub, nil
}
