package records

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/recordvault/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const versionUniqueConstraint = "versions_record_version_key"

type indexPG struct {
	cluster *db.Cluster
}

func NewIndexPG(cluster *db.Cluster) Index {
	return &indexPG{cluster: cluster}
}

func (r *indexPG) conn(b Backend) queryable {
	pool, _ := r.cluster.Select(b)
	return pool
}

func (r *indexPG) HasReplica() bool { return r.cluster.HasReplica() }

// pgErr maps driver errors onto the package sentinels.
func pgErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case db.IsNoRows(err):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case isContextErr(err):
		return err
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrIndexUnavailable, err)
	}
}

// -- Records --

const recordCols = `id, patient_id, encounter_id, org_id, created_by, current_version, created_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.PatientID, &rec.EncounterID, &rec.OrgID, &rec.CreatedBy, &rec.CurrentVersion, &rec.CreatedAt)
	return &rec, err
}

func (r *indexPG) CreateRecord(ctx context.Context, rec *Record) error {
	err := r.conn(Primary).QueryRow(ctx, `
		INSERT INTO records (id, patient_id, encounter_id, org_id, created_by, current_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		rec.ID, rec.PatientID, rec.EncounterID, rec.OrgID, rec.CreatedBy, rec.CurrentVersion, rec.CreatedAt,
	).Scan(&rec.CreatedAt)
	return pgErr("insert record", err)
}

func (r *indexPG) GetRecord(ctx context.Context, b Backend, id uuid.UUID) (*Record, error) {
	rec, err := scanRecord(r.conn(b).QueryRow(ctx, `SELECT `+recordCols+` FROM records WHERE id = $1`, id))
	if err != nil {
		return nil, pgErr("get record", err)
	}
	return rec, nil
}

func (r *indexPG) AdvanceCurrentVersion(ctx context.Context, id uuid.UUID, from, to int) error {
	tag, err := r.conn(Primary).Exec(ctx,
		`UPDATE records SET current_version = $3 WHERE id = $1 AND current_version = $2`,
		id, from, to)
	if err != nil {
		return pgErr("advance current version", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("advance current version of %s from %d: %w", id, from, ErrVersionConflict)
	}
	return nil
}

func (r *indexPG) ListRecords(ctx context.Context, b Backend, f RecordFilter, limit, offset int) ([]*Record, int, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(col string, v *uuid.UUID) {
		if v == nil {
			return
		}
		args = append(args, *v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("patient_id", f.PatientID)
	add("org_id", f.OrgID)
	add("created_by", f.CreatedBy)
	if len(where) == 0 {
		return nil, 0, fmt.Errorf("%w: a patient, organization or creator filter is required", ErrInvalidInput)
	}
	clause := " WHERE " + strings.Join(where, " AND ")

	q := r.conn(b)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM records`+clause, args...).Scan(&total); err != nil {
		return nil, 0, pgErr("count records", err)
	}

	args = append(args, limit, offset)
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT `+recordCols+` FROM records%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, pgErr("list records", err)
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, pgErr("scan record", err)
		}
		items = append(items, rec)
	}
	return items, total, pgErr("list records", rows.Err())
}

// -- Versions --

const versionCols = `id, record_id, version_number, content_hash, changed_by, reason,
	previous_version_id, anchor_status, anchor_tx_ref, created_at`

func scanVersion(row pgx.Row) (*Version, error) {
	var v Version
	var reason *string
	err := row.Scan(&v.ID, &v.RecordID, &v.VersionNumber, &v.ContentHash, &v.ChangedBy, &reason,
		&v.PreviousVersionID, &v.AnchorStatus, &v.AnchorTxRef, &v.CreatedAt)
	if reason != nil {
		v.Reason = *reason
	}
	return &v, err
}

func (r *indexPG) CreateVersion(ctx context.Context, v *Version) error {
	err := r.conn(Primary).QueryRow(ctx, `
		INSERT INTO versions (id, record_id, version_number, content_hash, changed_by, reason,
			previous_version_id, anchor_status, anchor_tx_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		v.ID, v.RecordID, v.VersionNumber, v.ContentHash, v.ChangedBy, v.Reason,
		v.PreviousVersionID, v.AnchorStatus, v.AnchorTxRef, v.CreatedAt,
	).Scan(&v.CreatedAt)
	if db.IsUniqueViolation(err, versionUniqueConstraint) {
		return fmt.Errorf("insert version %d of %s: %w", v.VersionNumber, v.RecordID, ErrVersionConflict)
	}
	return pgErr("insert version", err)
}

func (r *indexPG) GetVersion(ctx context.Context, b Backend, recordID uuid.UUID, number int) (*Version, error) {
	v, err := scanVersion(r.conn(b).QueryRow(ctx,
		`SELECT `+versionCols+` FROM versions WHERE record_id = $1 AND version_number = $2`, recordID, number))
	if err != nil {
		return nil, pgErr("get version", err)
	}
	return v, nil
}

func (r *indexPG) GetVersionByID(ctx context.Context, b Backend, id uuid.UUID) (*Version, error) {
	v, err := scanVersion(r.conn(b).QueryRow(ctx, `SELECT `+versionCols+` FROM versions WHERE id = $1`, id))
	if err != nil {
		return nil, pgErr("get version", err)
	}
	return v, nil
}

func (r *indexPG) GetLatestVersion(ctx context.Context, b Backend, recordID uuid.UUID) (*Version, error) {
	v, err := scanVersion(r.conn(b).QueryRow(ctx,
		`SELECT `+versionCols+` FROM versions WHERE record_id = $1 ORDER BY version_number DESC LIMIT 1`, recordID))
	if err != nil {
		return nil, pgErr("get latest version", err)
	}
	return v, nil
}

func (r *indexPG) ListVersions(ctx context.Context, b Backend, recordID uuid.UUID) ([]*Version, error) {
	rows, err := r.conn(b).Query(ctx,
		`SELECT `+versionCols+` FROM versions WHERE record_id = $1 ORDER BY version_number DESC`, recordID)
	if err != nil {
		return nil, pgErr("list versions", err)
	}
	defer rows.Close()

	var items []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, pgErr("scan version", err)
		}
		items = append(items, v)
	}
	return items, pgErr("list versions", rows.Err())
}

func (r *indexPG) UpdateAnchor(ctx context.Context, versionID uuid.UUID, status AnchorStatus, txRef *string) (bool, error) {
	tag, err := r.conn(Primary).Exec(ctx, `
		UPDATE versions SET anchor_status = $2, anchor_tx_ref = $3
		WHERE id = $1 AND anchor_status = 'PENDING'`,
		versionID, status, txRef)
	if err != nil {
		return false, pgErr("update anchor", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetVersionByID(ctx, Primary, versionID); err != nil {
		return false, err
	}
	return false, nil
}

// -- Files --

const fileCols = `id, record_id, version_number, classification, storage_locator, content_hash,
	mime_type, size_bytes, created_by, metadata, created_at`

func scanFile(row pgx.Row) (*File, error) {
	var f File
	var metadata []byte
	err := row.Scan(&f.ID, &f.RecordID, &f.VersionNumber, &f.Classification, &f.StorageLocator, &f.ContentHash,
		&f.MimeType, &f.SizeBytes, &f.CreatedBy, &metadata, &f.CreatedAt)
	if len(metadata) > 0 {
		f.Metadata = metadata
	}
	return &f, err
}

func (r *indexPG) CreateFile(ctx context.Context, f *File) error {
	metadata := []byte(f.Metadata)
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	err := r.conn(Primary).QueryRow(ctx, `
		INSERT INTO files (id, record_id, version_number, classification, storage_locator, content_hash,
			mime_type, size_bytes, created_by, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at`,
		f.ID, f.RecordID, f.VersionNumber, f.Classification, f.StorageLocator, f.ContentHash,
		f.MimeType, f.SizeBytes, f.CreatedBy, metadata, f.CreatedAt,
	).Scan(&f.CreatedAt)
	return pgErr("insert file", err)
}

func (r *indexPG) UpdateFileLocator(ctx context.Context, fileID uuid.UUID, locator string) error {
	tag, err := r.conn(Primary).Exec(ctx, `UPDATE files SET storage_locator = $2 WHERE id = $1`, fileID, locator)
	if err != nil {
		return pgErr("patch file locator", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("patch file locator %s: %w", fileID, ErrNotFound)
	}
	return nil
}

func (r *indexPG) ListFiles(ctx context.Context, b Backend, recordID uuid.UUID, versionNumber *int) ([]*File, error) {
	query := `SELECT ` + fileCols + ` FROM files WHERE record_id = $1`
	args := []interface{}{recordID}
	if versionNumber != nil {
		query += ` AND version_number = $2`
		args = append(args, *versionNumber)
	}
	query += ` ORDER BY version_number DESC, created_at`

	rows, err := r.conn(b).Query(ctx, query, args...)
	if err != nil {
		return nil, pgErr("list files", err)
	}
	defer rows.Close()

	var items []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, pgErr("scan file", err)
		}
		items = append(items, f)
	}
	return items, pgErr("list files", rows.Err())
}

// -- Access log --

const accessCols = `id, record_id, version_number, accessed_by, action, consent_ref, ip_address, verify_status, accessed_at`

func (r *indexPG) AppendAccessLog(ctx context.Context, e *AccessLogEntry) error {
	err := r.conn(Primary).QueryRow(ctx, `
		INSERT INTO access_log (id, record_id, version_number, accessed_by, action, consent_ref, ip_address, verify_status, accessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING accessed_at`,
		e.ID, e.RecordID, e.VersionNumber, e.AccessedBy, e.Action, e.ConsentRef, e.IPAddress, e.VerifyStatus, e.AccessedAt,
	).Scan(&e.AccessedAt)
	return pgErr("append access log", err)
}

func (r *indexPG) ListAccessLog(ctx context.Context, recordID uuid.UUID, limit, offset int) ([]*AccessLogEntry, int, error) {
	q := r.conn(Primary)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM access_log WHERE record_id = $1`, recordID).Scan(&total); err != nil {
		return nil, 0, pgErr("count access log", err)
	}
	rows, err := q.Query(ctx, `SELECT `+accessCols+` FROM access_log WHERE record_id = $1
		ORDER BY accessed_at DESC, id LIMIT $2 OFFSET $3`, recordID, limit, offset)
	if err != nil {
		return nil, 0, pgErr("list access log", err)
	}
	defer rows.Close()

	var items []*AccessLogEntry
	for rows.Next() {
		var e AccessLogEntry
		if err := rows.Scan(&e.ID, &e.RecordID, &e.VersionNumber, &e.AccessedBy, &e.Action,
			&e.ConsentRef, &e.IPAddress, &e.VerifyStatus, &e.AccessedAt); err != nil {
			return nil, 0, pgErr("scan access log", err)
		}
		items = append(items, &e)
	}
	return items, total, pgErr("list access log", rows.Err())
}

// -- Subscriptions --

type subscriptionRepoPG struct {
	cluster *db.Cluster
}

func NewSubscriptionRepoPG(cluster *db.Cluster) SubscriptionRepository {
	return &subscriptionRepoPG{cluster: cluster}
}

func (r *subscriptionRepoPG) conn() queryable { return r.cluster.Primary() }

const subscriptionCols = `id, patient_id, record_id, plan_id, start_date, end_date, auto_renew, status,
	next_billing_date, created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.PatientID, &s.RecordID, &s.PlanID, &s.StartDate, &s.EndDate, &s.AutoRenew, &s.Status,
		&s.NextBillingDate, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func (r *subscriptionRepoPG) Create(ctx context.Context, s *Subscription) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	err := r.conn().QueryRow(ctx, `
		INSERT INTO subscriptions (id, patient_id, record_id, plan_id, start_date, end_date, auto_renew, status, next_billing_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		s.ID, s.PatientID, s.RecordID, s.PlanID, s.StartDate, s.EndDate, s.AutoRenew, s.Status, s.NextBillingDate,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if db.IsForeignKeyViolation(err) {
		return fmt.Errorf("insert subscription: record %v: %w", s.RecordID, ErrNotFound)
	}
	return pgErr("insert subscription", err)
}

func (r *subscriptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	s, err := scanSubscription(r.conn().QueryRow(ctx, `SELECT `+subscriptionCols+` FROM subscriptions WHERE id = $1`, id))
	if err != nil {
		return nil, pgErr("get subscription", err)
	}
	return s, nil
}

func (r *subscriptionRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Subscription, int, error) {
	var total int
	if err := r.conn().QueryRow(ctx, `SELECT COUNT(*) FROM subscriptions WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, pgErr("count subscriptions", err)
	}
	rows, err := r.conn().Query(ctx, `SELECT `+subscriptionCols+` FROM subscriptions WHERE patient_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, pgErr("list subscriptions", err)
	}
	defer rows.Close()

	var items []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, 0, pgErr("scan subscription", err)
		}
		items = append(items, s)
	}
	return items, total, pgErr("list subscriptions", rows.Err())
}

func (r *subscriptionRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to SubscriptionStatus) (bool, error) {
	tag, err := r.conn().Exec(ctx, `
		UPDATE subscriptions SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return false, pgErr("update subscription status", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}
