package records

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/platform/events"
)

// Anchoring applies results reported by the external ledger collaborator.
// A version moves out of PENDING exactly once.
type Anchoring struct {
	index     Index
	publisher events.Publisher
	logger    zerolog.Logger
}

func NewAnchoring(index Index, publisher events.Publisher, logger zerolog.Logger) *Anchoring {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Anchoring{
		index:     index,
		publisher: publisher,
		logger:    logger.With().Str("component", "records.anchoring").Logger(),
	}
}

type anchorResultData struct {
	VersionID     string       `json:"version_id"`
	VersionNumber int          `json:"version_number"`
	Status        AnchorStatus `json:"status"`
	TxRef         *string      `json:"tx_ref,omitempty"`
}

func (a *Anchoring) OnAnchorResult(ctx context.Context, versionID uuid.UUID, status AnchorStatus, txRef *string) (v *Version, err error) {
	ctx, span := tracer.Start(ctx, "records.OnAnchorResult")
	defer func() { endSpan(span, err) }()

	if !status.Terminal() {
		return nil, fmt.Errorf("%w: anchor status must be COMMITTED or FAILED, got %q", ErrInvalidInput, status)
	}
	if status == AnchorCommitted && (txRef == nil || *txRef == "") {
		return nil, fmt.Errorf("%w: a committed anchor needs a transaction reference", ErrInvalidInput)
	}

	updated, err := a.index.UpdateAnchor(ctx, versionID, status, txRef)
	if err != nil {
		return nil, indexErr(err)
	}
	v, err = a.index.GetVersionByID(ctx, Primary, versionID)
	if err != nil {
		return nil, indexErr(err)
	}

	if !updated {
		if v.AnchorStatus == status && sameRef(v.AnchorTxRef, txRef) {
			return v, nil
		}
		return nil, fmt.Errorf("%w: version %s is already %s", ErrInvalidTransition, versionID, v.AnchorStatus)
	}

	a.logger.Info().
		Str("version_id", versionID.String()).
		Str("record_id", v.RecordID.String()).
		Str("anchor_status", string(status)).
		Msg("anchor result applied")

	ev, err := events.New(events.TypeAnchorResult, v.RecordID.String(), anchorResultData{
		VersionID:     v.ID.String(),
		VersionNumber: v.VersionNumber,
		Status:        status,
		TxRef:         txRef,
	})
	if err == nil {
		err = a.publisher.Publish(ctx, ev)
	}
	if err != nil {
		a.logger.Warn().Err(err).Str("version_id", versionID.String()).Msg("publish anchor result failed")
	}
	return v, nil
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
