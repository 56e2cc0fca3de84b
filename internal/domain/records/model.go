package records

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/recordvault/internal/platform/db"
)

// Backend selects the relational node a read is sent to.
type Backend = db.Backend

const (
	Primary = db.Primary
	Replica = db.Replica
)

type AnchorStatus string

const (
	AnchorPending   AnchorStatus = "PENDING"
	AnchorCommitted AnchorStatus = "COMMITTED"
	AnchorFailed    AnchorStatus = "FAILED"
)

func (s AnchorStatus) Terminal() bool {
	return s == AnchorCommitted || s == AnchorFailed
}

type Classification string

const (
	ClassLab              Classification = "LAB"
	ClassPrescription     Classification = "PRESCRIPTION"
	ClassVitalSigns       Classification = "VITAL_SIGNS"
	ClassDiagnosis        Classification = "DIAGNOSIS"
	ClassProcedure        Classification = "PROCEDURE"
	ClassImaging          Classification = "IMAGING"
	ClassImmunization     Classification = "IMMUNIZATION"
	ClassAllergy          Classification = "ALLERGY"
	ClassDischargeSummary Classification = "DISCHARGE_SUMMARY"
	ClassConsultation     Classification = "CONSULTATION"
	ClassOther            Classification = "OTHER"
)

var validClassifications = map[Classification]bool{
	ClassLab: true, ClassPrescription: true, ClassVitalSigns: true, ClassDiagnosis: true,
	ClassProcedure: true, ClassImaging: true, ClassImmunization: true, ClassAllergy: true,
	ClassDischargeSummary: true, ClassConsultation: true, ClassOther: true,
}

func (c Classification) Valid() bool { return validClassifications[c] }

type AccessAction string

const (
	ActionView     AccessAction = "VIEW"
	ActionDownload AccessAction = "DOWNLOAD"
	ActionUpdate   AccessAction = "UPDATE"
)

func (a AccessAction) Valid() bool {
	return a == ActionView || a == ActionDownload || a == ActionUpdate
}

type VerifyStatus string

const (
	VerifyPass VerifyStatus = "PASS"
	VerifyFail VerifyStatus = "FAIL"
)

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionExpired   SubscriptionStatus = "EXPIRED"
)

const (
	DefaultMimeType     = "application/json"
	DefaultCreateReason = "initial version"
	DefaultAppendReason = "updated"
)

// Record maps to the records table. It is never deleted; only CurrentVersion
// moves, and only forward.
type Record struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	PatientID      uuid.UUID  `db:"patient_id" json:"patient_id"`
	EncounterID    *uuid.UUID `db:"encounter_id" json:"encounter_id,omitempty"`
	OrgID          *uuid.UUID `db:"org_id" json:"org_id,omitempty"`
	CreatedBy      uuid.UUID  `db:"created_by" json:"created_by"`
	CurrentVersion int        `db:"current_version" json:"current_version"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// Version maps to the versions table.
type Version struct {
	ID                uuid.UUID    `db:"id" json:"id"`
	RecordID          uuid.UUID    `db:"record_id" json:"record_id"`
	VersionNumber     int          `db:"version_number" json:"version_number"`
	ContentHash       string       `db:"content_hash" json:"content_hash"`
	ChangedBy         uuid.UUID    `db:"changed_by" json:"changed_by"`
	Reason            string       `db:"reason" json:"reason,omitempty"`
	PreviousVersionID *uuid.UUID   `db:"previous_version_id" json:"previous_version_id,omitempty"`
	AnchorStatus      AnchorStatus `db:"anchor_status" json:"anchor_status"`
	AnchorTxRef       *string      `db:"anchor_tx_ref" json:"anchor_tx_ref,omitempty"`
	CreatedAt         time.Time    `db:"created_at" json:"created_at"`
}

// File maps to the files table. StorageLocator points at the content document.
type File struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	RecordID       uuid.UUID       `db:"record_id" json:"record_id"`
	VersionNumber  int             `db:"version_number" json:"version_number"`
	Classification Classification  `db:"classification" json:"classification"`
	StorageLocator string          `db:"storage_locator" json:"storage_locator"`
	ContentHash    string          `db:"content_hash" json:"content_hash"`
	MimeType       string          `db:"mime_type" json:"mime_type"`
	SizeBytes      int64           `db:"size_bytes" json:"size_bytes"`
	CreatedBy      uuid.UUID       `db:"created_by" json:"created_by"`
	Metadata       json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// AccessLogEntry maps to the append-only access_log table.
type AccessLogEntry struct {
	ID            uuid.UUID    `db:"id" json:"id"`
	RecordID      uuid.UUID    `db:"record_id" json:"record_id"`
	VersionNumber int          `db:"version_number" json:"version_number"`
	AccessedBy    uuid.UUID    `db:"accessed_by" json:"accessed_by"`
	Action        AccessAction `db:"action" json:"action"`
	ConsentRef    *string      `db:"consent_ref" json:"consent_ref,omitempty"`
	IPAddress     *string      `db:"ip_address" json:"ip_address,omitempty"`
	VerifyStatus  VerifyStatus `db:"verify_status" json:"verify_status"`
	AccessedAt    time.Time    `db:"accessed_at" json:"accessed_at"`
}

// Subscription maps to the subscriptions table.
type Subscription struct {
	ID              uuid.UUID          `db:"id" json:"id"`
	PatientID       uuid.UUID          `db:"patient_id" json:"patient_id"`
	RecordID        *uuid.UUID         `db:"record_id" json:"record_id,omitempty"`
	PlanID          *uuid.UUID         `db:"plan_id" json:"plan_id,omitempty"`
	StartDate       time.Time          `db:"start_date" json:"start_date"`
	EndDate         *time.Time         `db:"end_date" json:"end_date,omitempty"`
	AutoRenew       bool               `db:"auto_renew" json:"auto_renew"`
	Status          SubscriptionStatus `db:"status" json:"status"`
	NextBillingDate *time.Time         `db:"next_billing_date" json:"next_billing_date,omitempty"`
	CreatedAt       time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time          `db:"updated_at" json:"updated_at"`
}

// RecordView is a record with its current version and that version's files.
type RecordView struct {
	Record
	Version  *Version `json:"version"`
	Files    []*File  `json:"files"`
	ServedBy string   `json:"served_by"`
}

// RecordFilter narrows ListRecords. Exactly one field is expected to be set.
type RecordFilter struct {
	PatientID *uuid.UUID
	OrgID     *uuid.UUID
	CreatedBy *uuid.UUID
}

// -- Requests --

type CreateRecordRequest struct {
	PatientID      uuid.UUID       `json:"patient_id"`
	EncounterID    *uuid.UUID      `json:"encounter_id,omitempty"`
	OrgID          *uuid.UUID      `json:"org_id,omitempty"`
	CreatedBy      uuid.UUID       `json:"created_by"`
	Classification Classification  `json:"classification"`
	Payload        json.RawMessage `json:"payload"`
	Reason         string          `json:"reason,omitempty"`
	MimeType       string          `json:"mime_type,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

func (r *CreateRecordRequest) Validate() error {
	if r.PatientID == uuid.Nil {
		return fmt.Errorf("%w: patient_id is required", ErrInvalidInput)
	}
	if r.CreatedBy == uuid.Nil {
		return fmt.Errorf("%w: created_by is required", ErrInvalidInput)
	}
	if r.Classification == "" {
		r.Classification = ClassOther
	}
	if !r.Classification.Valid() {
		return fmt.Errorf("%w: invalid classification: %s", ErrInvalidInput, r.Classification)
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidInput)
	}
	return validateMetadata(r.Metadata)
}

type CreateRecordResult struct {
	Record     *Record  `json:"record"`
	Version    *Version `json:"version"`
	File       *File    `json:"file"`
	DocumentID string   `json:"document_id"`
}

type AppendVersionRequest struct {
	RecordID       uuid.UUID       `json:"record_id"`
	ChangedBy      uuid.UUID       `json:"changed_by"`
	Reason         string          `json:"reason,omitempty"`
	Classification Classification  `json:"classification,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	MimeType       string          `json:"mime_type,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

func (r *AppendVersionRequest) Validate() error {
	if r.RecordID == uuid.Nil {
		return fmt.Errorf("%w: record_id is required", ErrInvalidInput)
	}
	if r.ChangedBy == uuid.Nil {
		return fmt.Errorf("%w: changed_by is required", ErrInvalidInput)
	}
	if r.Classification != "" && !r.Classification.Valid() {
		return fmt.Errorf("%w: invalid classification: %s", ErrInvalidInput, r.Classification)
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidInput)
	}
	return validateMetadata(r.Metadata)
}

type AppendVersionResult struct {
	Version     *Version `json:"version"`
	File        *File    `json:"file"`
	DocumentID  string   `json:"document_id"`
	ContentHash string   `json:"content_hash"`
}

type AccessRequest struct {
	RecordID      uuid.UUID    `json:"record_id"`
	VersionNumber *int         `json:"version_number,omitempty"`
	AccessorID    uuid.UUID    `json:"accessor_id"`
	Action        AccessAction `json:"action"`
	ConsentRef    *string      `json:"consent_ref,omitempty"`
	IPAddress     string       `json:"ip_address,omitempty"`
	PreferReplica bool         `json:"prefer_replica"`
}

type AccessResult struct {
	Record       *Record         `json:"record"`
	Version      *Version        `json:"version"`
	File         *File           `json:"file"`
	Payload      json.RawMessage `json:"payload"`
	VerifyStatus VerifyStatus    `json:"verify_status"`
	LogEntry     *AccessLogEntry `json:"access_log"`
}

// Payload is a content document resolved through the index.
type Payload struct {
	Version    *Version        `json:"version"`
	File       *File           `json:"file"`
	DocumentID string          `json:"document_id"`
	Data       json.RawMessage `json:"payload"`
}

func validateMetadata(m json.RawMessage) error {
	if len(m) == 0 {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(m, &obj); err != nil {
		return fmt.Errorf("%w: metadata must be a JSON object", ErrInvalidInput)
	}
	return nil
}
