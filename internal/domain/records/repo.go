package records

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/recordvault/internal/platform/consent"
)

// Index is the relational index over records, versions, files and the access
// log. Reads take the backend to query; writes always go to the primary.
// Missing rows are reported as ErrNotFound.
type Index interface {
	HasReplica() bool

	CreateRecord(ctx context.Context, r *Record) error
	GetRecord(ctx context.Context, b Backend, id uuid.UUID) (*Record, error)
	// AdvanceCurrentVersion moves current_version from `from` to `to` only if
	// it still equals `from`; otherwise ErrVersionConflict.
	AdvanceCurrentVersion(ctx context.Context, id uuid.UUID, from, to int) error
	ListRecords(ctx context.Context, b Backend, f RecordFilter, limit, offset int) ([]*Record, int, error)

	// CreateVersion reports a (record_id, version_number) collision as ErrVersionConflict.
	CreateVersion(ctx context.Context, v *Version) error
	GetVersion(ctx context.Context, b Backend, recordID uuid.UUID, number int) (*Version, error)
	GetVersionByID(ctx context.Context, b Backend, id uuid.UUID) (*Version, error)
	// GetLatestVersion returns the highest-numbered version, which may sit
	// above current_version when an earlier append did not finish.
	GetLatestVersion(ctx context.Context, b Backend, recordID uuid.UUID) (*Version, error)
	// ListVersions returns versions newest first.
	ListVersions(ctx context.Context, b Backend, recordID uuid.UUID) ([]*Version, error)
	// UpdateAnchor sets a terminal status on a PENDING version. It returns
	// false when the version exists but is no longer pending.
	UpdateAnchor(ctx context.Context, versionID uuid.UUID, status AnchorStatus, txRef *string) (bool, error)

	CreateFile(ctx context.Context, f *File) error
	UpdateFileLocator(ctx context.Context, fileID uuid.UUID, locator string) error
	// ListFiles returns files of one version, or of every version when
	// versionNumber is nil, newest version first.
	ListFiles(ctx context.Context, b Backend, recordID uuid.UUID, versionNumber *int) ([]*File, error)

	AppendAccessLog(ctx context.Context, e *AccessLogEntry) error
	ListAccessLog(ctx context.Context, recordID uuid.UUID, limit, offset int) ([]*AccessLogEntry, int, error)
}

type SubscriptionRepository interface {
	Create(ctx context.Context, s *Subscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Subscription, int, error)
	// UpdateStatus changes status only when it currently equals from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to SubscriptionStatus) (bool, error)
}

// AccessChecker is the consent collaborator consulted for non-owning readers.
// recordID is uuid.Nil when the question covers all of a patient's records.
type AccessChecker interface {
	HasAccess(ctx context.Context, patientID, accessorID, recordID uuid.UUID) (consent.Decision, error)
}
