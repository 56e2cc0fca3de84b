package records

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/recordvault/internal/platform/contentstore"
)

// NodeInfo describes which nodes a read with a given preference lands on.
type NodeInfo struct {
	Index        string `json:"index"`
	Content      string `json:"content"`
	ContentStore string `json:"content_store"`
	HasReplica   bool   `json:"has_replica"`
}

// Router serves reads from the primary or, when asked and available, from a
// replica. Replica reads can trail the primary; absence there is a normal
// result.
type Router struct {
	index Index
	store contentstore.Store
	// origin is store without a cache in front
	origin contentstore.Store
	logger zerolog.Logger
}

func NewRouter(index Index, store contentstore.Store, logger zerolog.Logger) *Router {
	return &Router{
		index:  index,
		store:  store,
		origin: contentstore.Origin(store),
		logger: logger.With().Str("component", "records.router").Logger(),
	}
}

func (r *Router) backend(preferReplica bool) Backend {
	b := Primary
	if preferReplica && r.index.HasReplica() {
		b = Replica
	}
	r.logger.Debug().Str("node", b.String()).Bool("prefer_replica", preferReplica).Msg("routing read")
	return b
}

func (r *Router) ReadNodeInfo(preferReplica bool) NodeInfo {
	content := "primary"
	if preferReplica {
		content = "replica"
	}
	return NodeInfo{
		Index:        r.backend(preferReplica).String(),
		Content:      content,
		ContentStore: r.store.Scheme(),
		HasReplica:   r.index.HasReplica(),
	}
}

// GetRecord returns nil, nil when the record is not on the chosen node.
func (r *Router) GetRecord(ctx context.Context, id uuid.UUID, preferReplica bool) (view *RecordView, err error) {
	ctx, span := tracer.Start(ctx, "records.GetRecord")
	defer func() { endSpan(span, err) }()

	b := r.backend(preferReplica)
	span.SetAttributes(attribute.String("record.id", id.String()), attribute.String("node", b.String()))

	rec, err := r.index.GetRecord(ctx, b, id)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, indexErr(err)
	}

	view = &RecordView{Record: *rec, ServedBy: b.String()}
	current := rec.CurrentVersion
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := r.index.GetVersion(gctx, b, id, current)
		if err != nil {
			return err
		}
		view.Version = v
		return nil
	})
	g.Go(func() error {
		files, err := r.index.ListFiles(gctx, b, id, &current)
		if err != nil {
			return err
		}
		view.Files = files
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, indexErr(err)
	}
	if view.Files == nil {
		view.Files = []*File{}
	}
	return view, nil
}

// GetVersions returns the record's versions, newest first.
func (r *Router) GetVersions(ctx context.Context, recordID uuid.UUID, preferReplica bool) ([]*Version, error) {
	versions, err := r.index.ListVersions(ctx, r.backend(preferReplica), recordID)
	if err != nil {
		return nil, indexErr(err)
	}
	return versions, nil
}

func (r *Router) GetFiles(ctx context.Context, recordID uuid.UUID, versionNumber *int, preferReplica bool) ([]*File, error) {
	files, err := r.index.ListFiles(ctx, r.backend(preferReplica), recordID, versionNumber)
	if err != nil {
		return nil, indexErr(err)
	}
	return files, nil
}

// ExistsOnReplica reports whether id is visible on the replica, as either a
// record or a version id. Without a replica it is always false.
func (r *Router) ExistsOnReplica(ctx context.Context, id uuid.UUID) (bool, error) {
	if !r.index.HasReplica() {
		return false, nil
	}
	if _, err := r.index.GetRecord(ctx, Replica, id); err == nil {
		return true, nil
	} else if !isNotFound(err) {
		return false, indexErr(err)
	}
	if _, err := r.index.GetVersionByID(ctx, Replica, id); err == nil {
		return true, nil
	} else if !isNotFound(err) {
		return false, indexErr(err)
	}
	return false, nil
}

func (r *Router) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int, preferReplica bool) ([]*Record, int, error) {
	return r.list(ctx, RecordFilter{PatientID: &patientID}, limit, offset, preferReplica)
}

func (r *Router) ListByOrganization(ctx context.Context, orgID uuid.UUID, limit, offset int, preferReplica bool) ([]*Record, int, error) {
	return r.list(ctx, RecordFilter{OrgID: &orgID}, limit, offset, preferReplica)
}

func (r *Router) ListByCreator(ctx context.Context, creatorID uuid.UUID, limit, offset int, preferReplica bool) ([]*Record, int, error) {
	return r.list(ctx, RecordFilter{CreatedBy: &creatorID}, limit, offset, preferReplica)
}

func (r *Router) list(ctx context.Context, f RecordFilter, limit, offset int, preferReplica bool) ([]*Record, int, error) {
	items, total, err := r.index.ListRecords(ctx, r.backend(preferReplica), f, limit, offset)
	if err != nil {
		return nil, 0, indexErr(err)
	}
	if items == nil {
		items = []*Record{}
	}
	return items, total, nil
}

// GetPayload resolves index row, file locator and content document for one
// version, the current one when versionNumber is nil.
func (r *Router) GetPayload(ctx context.Context, recordID uuid.UUID, versionNumber *int, preferReplica bool) (p *Payload, err error) {
	ctx, span := tracer.Start(ctx, "records.GetPayload")
	defer func() { endSpan(span, err) }()

	b := r.backend(preferReplica)
	rec, err := r.index.GetRecord(ctx, b, recordID)
	if err != nil {
		return nil, indexErr(err)
	}
	return r.payloadFor(ctx, b, rec, versionNumber, preferReplica, false)
}

// payloadFor reads through the cache unless fresh is set.
func (r *Router) payloadFor(ctx context.Context, b Backend, rec *Record, versionNumber *int, preferReplica, fresh bool) (*Payload, error) {
	n := rec.CurrentVersion
	if versionNumber != nil {
		n = *versionNumber
	}
	ver, err := r.index.GetVersion(ctx, b, rec.ID, n)
	if err != nil {
		return nil, indexErr(err)
	}
	files, err := r.index.ListFiles(ctx, b, rec.ID, &n)
	if err != nil {
		return nil, indexErr(err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: version %d of record %s has no file", ErrPayloadUnavailable, n, rec.ID)
	}
	file := files[0]

	store := r.store
	if fresh {
		store = r.origin
	}
	doc, err := r.resolve(ctx, store, file, ver, preferReplica)
	if err != nil && preferReplica && errors.Is(err, contentstore.ErrNotFound) {
		// the content replica may trail the index node the row came from
		r.logger.Debug().Str("record_id", rec.ID.String()).Int("version_number", n).
			Msg("document not on content replica, reading primary")
		doc, err = r.resolve(ctx, store, file, ver, false)
	}
	if err != nil {
		return nil, err
	}
	return &Payload{Version: ver, File: file, DocumentID: doc.ID, Data: doc.Payload}, nil
}

// resolve follows the file locator. A file still carrying the pending
// placeholder is looked up by version id in case the document was written
// but the locator patch was not.
func (r *Router) resolve(ctx context.Context, store contentstore.Store, file *File, ver *Version, preferReplica bool) (*contentstore.Document, error) {
	_, id, err := contentstore.ParseLocator(file.StorageLocator)
	var doc *contentstore.Document
	switch {
	case err == nil:
		doc, err = store.GetByID(ctx, id, preferReplica)
	case errors.Is(err, contentstore.ErrNotFound):
		doc, err = store.GetByVersionID(ctx, ver.ID.String(), preferReplica)
	default:
		return nil, fmt.Errorf("%w: %v", ErrPayloadUnavailable, err)
	}
	if err != nil {
		return nil, contentErr(err)
	}
	return doc, nil
}
