package records

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/recordvault/internal/platform/hashing"
)

// FirstVersion builds version 1 of rec. canonical must already be the
// canonical payload encoding.
func FirstVersion(rec *Record, canonical []byte, actorID uuid.UUID, reason string, now time.Time) (*Version, error) {
	hash, err := hashing.Compute(canonical)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = DefaultCreateReason
	}
	return &Version{
		ID:            uuid.New(),
		RecordID:      rec.ID,
		VersionNumber: 1,
		ContentHash:   hash,
		ChangedBy:     actorID,
		Reason:        reason,
		AnchorStatus:  AnchorPending,
		CreatedAt:     now,
	}, nil
}

// NextVersion builds the version that follows head. head must be the tip of
// rec's chain as seen by rec.CurrentVersion.
func NextVersion(rec *Record, head *Version, payload []byte, actorID uuid.UUID, reason string, now time.Time) (*Version, error) {
	if head == nil {
		return nil, fmt.Errorf("%w: record %s has no head version", ErrInvalidChainState, rec.ID)
	}
	if head.RecordID != rec.ID {
		return nil, fmt.Errorf("%w: head %s belongs to record %s, not %s", ErrInvalidChainState, head.ID, head.RecordID, rec.ID)
	}
	if head.VersionNumber != rec.CurrentVersion {
		return nil, fmt.Errorf("%w: head is version %d but record is at %d", ErrInvalidChainState, head.VersionNumber, rec.CurrentVersion)
	}

	hash, err := hashing.Compute(payload)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = DefaultAppendReason
	}
	prev := head.ID
	return &Version{
		ID:                uuid.New(),
		RecordID:          rec.ID,
		VersionNumber:     rec.CurrentVersion + 1,
		ContentHash:       hash,
		ChangedBy:         actorID,
		Reason:            reason,
		PreviousVersionID: &prev,
		AnchorStatus:      AnchorPending,
		CreatedAt:         now,
	}, nil
}

// Verify recomputes the payload hash and compares it with the stored one.
// An undecodable payload fails verification.
func Verify(v *Version, payload []byte) VerifyStatus {
	if v == nil || !hashing.Equal(payload, v.ContentHash) {
		return VerifyFail
	}
	return VerifyPass
}

// CheckChain validates a full chain for one record, in any order: numbers run
// 1..n without gaps or duplicates, version 1 has no predecessor, and every
// other version links to the one numbered just below it.
func CheckChain(versions []*Version) error {
	if len(versions) == 0 {
		return nil
	}
	sorted := append([]*Version(nil), versions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].VersionNumber < sorted[j].VersionNumber })

	recordID := sorted[0].RecordID
	for i, v := range sorted {
		if v.RecordID != recordID {
			return fmt.Errorf("%w: version %s belongs to record %s, expected %s", ErrInvalidChainState, v.ID, v.RecordID, recordID)
		}
		if v.VersionNumber != i+1 {
			return fmt.Errorf("%w: expected version %d, found %d", ErrInvalidChainState, i+1, v.VersionNumber)
		}
		if i == 0 {
			if v.PreviousVersionID != nil {
				return fmt.Errorf("%w: version 1 has a previous version", ErrInvalidChainState)
			}
			continue
		}
		if v.PreviousVersionID == nil || *v.PreviousVersionID != sorted[i-1].ID {
			return fmt.Errorf("%w: version %d does not link to version %d", ErrInvalidChainState, v.VersionNumber, i)
		}
	}
	return nil
}
