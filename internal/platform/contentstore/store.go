// Package contentstore holds the immutable payload document written for every
// record version. Writes always go to the primary node; reads may prefer a
// replica that can lag behind it.
package contentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("content document not found")
	ErrUnavailable    = errors.New("content store unavailable")
	ErrInvalidLocator = errors.New("invalid storage locator")
)

// CollectionName is the logical collection every backend stores documents in.
const CollectionName = "ehr_documents"

// Document is one immutable payload snapshot. Identifiers of the relational
// rows it belongs to are denormalized onto it.
type Document struct {
	ID             string          `json:"id"`
	RecordID       string          `json:"record_id"`
	VersionID      string          `json:"version_id"`
	FileID         string          `json:"file_id"`
	PatientID      string          `json:"patient_id"`
	Classification string          `json:"classification"`
	Payload        json.RawMessage `json:"payload"`
	ContentHash    string          `json:"content_hash"`
	VersionNumber  int             `json:"version_number"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Store is implemented by every content backend.
type Store interface {
	// Create writes doc on the primary and returns its opaque id.
	Create(ctx context.Context, doc *Document) (string, error)
	GetByID(ctx context.Context, id string, preferReplica bool) (*Document, error)
	GetByVersionID(ctx context.Context, versionID string, preferReplica bool) (*Document, error)
	GetLatestByRecord(ctx context.Context, recordID string, preferReplica bool) (*Document, error)
	// GetAllVersionsByRecord returns documents newest version first.
	GetAllVersionsByRecord(ctx context.Context, recordID string, preferReplica bool) ([]*Document, error)
	// ExistsOnReplica always reads from a replica node.
	ExistsOnReplica(ctx context.Context, id string) (bool, error)
	// Scheme is the locator scheme written into file rows.
	Scheme() string
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Locator builds the storage locator recorded on a file row,
// e.g. mongodb://ehr_documents/65f0c...
func Locator(scheme, id string) string {
	return fmt.Sprintf("%s://%s/%s", scheme, CollectionName, id)
}

// PendingLocator is the placeholder written before the document exists.
func PendingLocator(fileID string) string {
	return "pending://" + fileID
}

// ParseLocator splits a locator produced by Locator.
func ParseLocator(locator string) (scheme, id string, err error) {
	scheme, rest, ok := strings.Cut(locator, "://")
	if !ok || scheme == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	if scheme == "pending" {
		return "", "", fmt.Errorf("%w: document not written yet", ErrNotFound)
	}
	coll, id, ok := strings.Cut(rest, "/")
	if !ok || coll != CollectionName || id == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	return scheme, id, nil
}

func node(preferReplica bool) string {
	if preferReplica {
		return "replica"
	}
	return "primary"
}

func validate(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("content document is nil")
	}
	if doc.RecordID == "" || doc.VersionID == "" {
		return fmt.Errorf("content document requires record_id and version_id")
	}
	if len(doc.Payload) == 0 {
		return fmt.Errorf("content document requires a payload")
	}
	return nil
}
