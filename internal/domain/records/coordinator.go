package records

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/recordvault/internal/platform/contentstore"
	"github.com/ehr/recordvault/internal/platform/events"
	"github.com/ehr/recordvault/internal/platform/hashing"
)

var tracer = otel.Tracer("github.com/ehr/recordvault/internal/domain/records")

const (
	OpCreate = "create_record"
	OpAppend = "append_version"
)

// DefaultAbandonAfter is how long a version above current_version is treated
// as an append still in progress. It must exceed the longest a write request
// may run.
const DefaultAbandonAfter = 2 * time.Minute

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Coordinator runs the ordered multi-backend write sequence for new records
// and new versions. It never retries; a failure is reported with the step it
// happened at and everything before that step stays committed.
type Coordinator struct {
	index     Index
	store     contentstore.Store
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
	// abandonAfter separates an unfinished append from one still running.
	abandonAfter time.Duration
}

func NewCoordinator(index Index, store contentstore.Store, publisher events.Publisher, logger zerolog.Logger) *Coordinator {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Coordinator{
		index:     index,
		store:     store,
		publisher: publisher,
		logger:       logger.With().Str("component", "records.coordinator").Logger(),
		now:          time.Now,
		abandonAfter: DefaultAbandonAfter,
	}
}

func (c *Coordinator) CreateRecord(ctx context.Context, req CreateRecordRequest) (res *CreateRecordResult, err error) {
	ctx, span := tracer.Start(ctx, "records.CreateRecord")
	defer func() { endSpan(span, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	canonical, err := hashing.Canonicalize(req.Payload)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	rec := &Record{
		ID:             uuid.New(),
		PatientID:      req.PatientID,
		EncounterID:    req.EncounterID,
		OrgID:          req.OrgID,
		CreatedBy:      req.CreatedBy,
		CurrentVersion: 1,
		CreatedAt:      now,
	}
	ver, err := FirstVersion(rec, canonical, req.CreatedBy, req.Reason, now)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("record.id", rec.ID.String()))
	log := c.logger.With().Str("op", OpCreate).Str("record_id", rec.ID.String()).Logger()

	if err := c.index.CreateRecord(ctx, rec); err != nil {
		return nil, &StepError{Op: OpCreate, Step: StepInsertRecord, Err: indexErr(err)}
	}
	log.Info().Msg("record row written")

	if err := c.index.CreateVersion(ctx, ver); err != nil {
		return nil, &StepError{Op: OpCreate, Step: StepInsertVersion, Err: indexErr(err)}
	}
	log.Info().Str("version_id", ver.ID.String()).Msg("version row written")

	file, docID, err := c.writeContent(ctx, OpCreate, rec, ver, req.Classification, canonical, req.MimeType, req.Metadata, req.CreatedBy, log)
	if err != nil {
		return nil, err
	}

	c.publishVersionCreated(ctx, rec, ver, file, docID)
	return &CreateRecordResult{Record: rec, Version: ver, File: file, DocumentID: docID}, nil
}

func (c *Coordinator) AppendVersion(ctx context.Context, req AppendVersionRequest) (res *AppendVersionResult, err error) {
	ctx, span := tracer.Start(ctx, "records.AppendVersion")
	defer func() { endSpan(span, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	canonical, err := hashing.Canonicalize(req.Payload)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("record.id", req.RecordID.String()))
	log := c.logger.With().Str("op", OpAppend).Str("record_id", req.RecordID.String()).Logger()

	rec, err := c.index.GetRecord(ctx, Primary, req.RecordID)
	if err != nil {
		return nil, indexErr(err)
	}
	tip, err := c.index.GetLatestVersion(ctx, Primary, rec.ID)
	if err != nil {
		if isNotFound(err) {
			return nil, &StepError{Op: OpAppend, Step: StepInsertVersion, Err: ErrInvalidChainState}
		}
		return nil, indexErr(err)
	}
	if tip.VersionNumber < rec.CurrentVersion {
		return nil, &StepError{Op: OpAppend, Step: StepInsertVersion, Err: ErrInvalidChainState}
	}
	if tip.VersionNumber > rec.CurrentVersion {
		// A version above current_version is either an append that is still
		// writing or one that gave up. Only an old enough one is skipped; it
		// keeps its number and the chain links through it.
		age := c.now().Sub(tip.CreatedAt)
		if age < c.abandonAfter {
			return nil, &StepError{Op: OpAppend, Step: StepInsertVersion, Err: fmt.Errorf(
				"%w: version %d is still being written", ErrVersionConflict, tip.VersionNumber)}
		}
		log.Warn().
			Int("current_version", rec.CurrentVersion).
			Int("tip_version", tip.VersionNumber).
			Dur("tip_age", age).
			Msg("skipping abandoned versions")
	}

	class := req.Classification
	if class == "" {
		class = c.currentClassification(ctx, rec)
	}

	chain := *rec
	chain.CurrentVersion = tip.VersionNumber
	ver, err := NextVersion(&chain, tip, canonical, req.ChangedBy, req.Reason, c.now().UTC())
	if err != nil {
		return nil, &StepError{Op: OpAppend, Step: StepInsertVersion, Err: err}
	}

	if err := c.index.CreateVersion(ctx, ver); err != nil {
		return nil, &StepError{Op: OpAppend, Step: StepInsertVersion, Err: indexErr(err)}
	}
	log.Info().Str("version_id", ver.ID.String()).Int("version_number", ver.VersionNumber).Msg("version row written")

	file, docID, err := c.writeContent(ctx, OpAppend, rec, ver, class, canonical, req.MimeType, req.Metadata, req.ChangedBy, log)
	if err != nil {
		return nil, err
	}

	// Only now is the new version advertised.
	if err := c.index.AdvanceCurrentVersion(ctx, rec.ID, rec.CurrentVersion, ver.VersionNumber); err != nil {
		return nil, &StepError{Op: OpAppend, Step: StepAdvanceCurrent, Err: indexErr(err)}
	}
	rec.CurrentVersion = ver.VersionNumber
	log.Info().Int("current_version", rec.CurrentVersion).Msg("current version advanced")

	c.publishVersionCreated(ctx, rec, ver, file, docID)
	return &AppendVersionResult{Version: ver, File: file, DocumentID: docID, ContentHash: ver.ContentHash}, nil
}

// writeContent runs the file row, content document and locator patch steps.
func (c *Coordinator) writeContent(ctx context.Context, op string, rec *Record, ver *Version, class Classification,
	canonical []byte, mimeType string, metadata json.RawMessage, actor uuid.UUID, log zerolog.Logger) (*File, string, error) {

	if mimeType == "" {
		mimeType = DefaultMimeType
	}
	fileID := uuid.New()
	file := &File{
		ID:             fileID,
		RecordID:       rec.ID,
		VersionNumber:  ver.VersionNumber,
		Classification: class,
		StorageLocator: contentstore.PendingLocator(fileID.String()),
		ContentHash:    ver.ContentHash,
		MimeType:       mimeType,
		SizeBytes:      int64(len(canonical)),
		CreatedBy:      actor,
		Metadata:       metadata,
		CreatedAt:      ver.CreatedAt,
	}
	if err := c.index.CreateFile(ctx, file); err != nil {
		return nil, "", &StepError{Op: op, Step: StepInsertFile, Err: indexErr(err)}
	}
	log.Info().Str("file_id", file.ID.String()).Msg("file row written")

	doc := &contentstore.Document{
		RecordID:       rec.ID.String(),
		VersionID:      ver.ID.String(),
		FileID:         file.ID.String(),
		PatientID:      rec.PatientID.String(),
		Classification: string(class),
		Payload:        canonical,
		ContentHash:    ver.ContentHash,
		VersionNumber:  ver.VersionNumber,
		CreatedBy:      actor.String(),
		CreatedAt:      ver.CreatedAt,
	}
	docID, err := c.store.Create(ctx, doc)
	if err != nil {
		return nil, "", &StepError{Op: op, Step: StepWriteDocument, Err: contentErr(err)}
	}
	log.Info().Str("doc_id", docID).Msg("content document written")

	locator := contentstore.Locator(c.store.Scheme(), docID)
	if err := c.index.UpdateFileLocator(ctx, file.ID, locator); err != nil {
		return nil, "", &StepError{Op: op, Step: StepPatchLocator, Err: indexErr(err)}
	}
	file.StorageLocator = locator
	return file, docID, nil
}

func (c *Coordinator) currentClassification(ctx context.Context, rec *Record) Classification {
	n := rec.CurrentVersion
	files, err := c.index.ListFiles(ctx, Primary, rec.ID, &n)
	if err != nil || len(files) == 0 {
		return ClassOther
	}
	return files[0].Classification
}

type versionCreatedData struct {
	VersionID     string `json:"version_id"`
	VersionNumber int    `json:"version_number"`
	PatientID     string `json:"patient_id"`
	FileID        string `json:"file_id"`
	DocumentID    string `json:"document_id"`
	ContentHash   string `json:"content_hash"`
	ChangedBy     string `json:"changed_by"`
}

func (c *Coordinator) publishVersionCreated(ctx context.Context, rec *Record, ver *Version, file *File, docID string) {
	ev, err := events.New(events.TypeVersionCreated, rec.ID.String(), versionCreatedData{
		VersionID:     ver.ID.String(),
		VersionNumber: ver.VersionNumber,
		PatientID:     rec.PatientID.String(),
		FileID:        file.ID.String(),
		DocumentID:    docID,
		ContentHash:   ver.ContentHash,
		ChangedBy:     ver.ChangedBy.String(),
	})
	if err == nil {
		err = c.publisher.Publish(ctx, ev)
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("record_id", rec.ID.String()).Msg("publish version created failed")
	}
}
