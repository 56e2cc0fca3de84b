package records

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/platform/contentstore"
	"github.com/ehr/recordvault/internal/platform/events"
)

// Deps are the collaborators a Service is assembled from. Publisher and
// Checker may be nil.
type Deps struct {
	Index         Index
	Subscriptions SubscriptionRepository
	Store         contentstore.Store
	Publisher     events.Publisher
	Checker       AccessChecker
	Logger        zerolog.Logger
	// AbandonAfter overrides DefaultAbandonAfter when positive.
	AbandonAfter time.Duration
}

// Service groups the engine's components behind one value for transports.
type Service struct {
	Writer        *Coordinator
	Reader        *Router
	Anchors       *Anchoring
	Access        *AccessService
	Subscriptions *SubscriptionService
}

func NewService(d Deps) *Service {
	router := NewRouter(d.Index, d.Store, d.Logger)
	writer := NewCoordinator(d.Index, d.Store, d.Publisher, d.Logger)
	if d.AbandonAfter > 0 {
		writer.abandonAfter = d.AbandonAfter
	}
	svc := &Service{
		Writer:  writer,
		Reader:  router,
		Anchors: NewAnchoring(d.Index, d.Publisher, d.Logger),
		Access:  NewAccessService(d.Index, router, d.Checker, d.Logger),
	}
	if d.Subscriptions != nil {
		svc.Subscriptions = NewSubscriptionService(d.Subscriptions)
	}
	return svc
}
