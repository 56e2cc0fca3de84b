package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Badger is an embedded single-node Store. There is no replica, so the
// replica preference resolves to the only node and ExistsOnReplica reports
// what that node holds.
//
// Key layout:
//
//	doc/<id>                     -> JSON document
//	ver/<version_id>             -> id
//	rec/<record_id>/<%010d ver>  -> id
type Badger struct {
	db     *badger.DB
	logger zerolog.Logger
}

// BadgerConfig configures the embedded store. An empty Dir keeps everything
// in memory.
type BadgerConfig struct {
	Dir string
}

func NewBadger(cfg BadgerConfig, logger zerolog.Logger) (*Badger, error) {
	l := logger.With().Str("component", "contentstore.badger").Logger()

	opts := badger.DefaultOptions(cfg.Dir).WithLogger(badgerLogger{l})
	if cfg.Dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db, logger: l}, nil
}

func (b *Badger) Scheme() string { return "badger" }

func (b *Badger) Create(ctx context.Context, doc *Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validate(doc); err != nil {
		return "", err
	}

	stored := cloneDoc(doc)
	stored.ID = uuid.NewString()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	raw, err := encodeDoc(stored)
	if err != nil {
		return "", fmt.Errorf("encode content document: %w", err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(versionKey(stored.VersionID)); err == nil {
			return fmt.Errorf("content document for version %s already exists", stored.VersionID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(docKey(stored.ID), raw); err != nil {
			return err
		}
		if err := txn.Set(versionKey(stored.VersionID), []byte(stored.ID)); err != nil {
			return err
		}
		return txn.Set(recordKey(stored.RecordID, stored.VersionNumber), []byte(stored.ID))
	})
	if err != nil {
		return "", fmt.Errorf("%w: badger write: %v", ErrUnavailable, err)
	}

	doc.ID = stored.ID
	doc.CreatedAt = stored.CreatedAt
	b.logger.Info().Str("doc_id", doc.ID).Str("record_id", doc.RecordID).Msg("content document written")
	return doc.ID, nil
}

func (b *Badger) GetByID(ctx context.Context, id string, _ bool) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc *Document
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = getDoc(txn, id)
		return err
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	return doc, nil
}

func (b *Badger) GetByVersionID(ctx context.Context, versionID string, _ bool) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc *Document
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(versionKey(versionID))
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		doc, err = getDoc(txn, string(id))
		return err
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	return doc, nil
}

func (b *Badger) GetLatestByRecord(ctx context.Context, recordID string, _ bool) (*Document, error) {
	docs, err := b.scanRecord(ctx, recordID, 1)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

func (b *Badger) GetAllVersionsByRecord(ctx context.Context, recordID string, _ bool) ([]*Document, error) {
	return b.scanRecord(ctx, recordID, 0)
}

func (b *Badger) ExistsOnReplica(ctx context.Context, id string) (bool, error) {
	_, err := b.GetByID(ctx, id, true)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *Badger) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return ErrUnavailable
	}
	return ctx.Err()
}

func (b *Badger) Close(context.Context) error {
	return b.db.Close()
}

// scanRecord walks rec/<record_id>/ newest first. limit 0 means no limit.
func (b *Badger) scanRecord(ctx context.Context, recordID string, limit int) ([]*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte("rec/" + recordID + "/")

	var docs []*Document
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(append([]byte(nil), prefix...), 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			doc, err := getDoc(txn, string(id))
			if err != nil {
				return err
			}
			docs = append(docs, doc)
			if limit > 0 && len(docs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	return docs, nil
}

func (b *Badger) wrap(err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: badger read: %v", ErrUnavailable, err)
}

// encodeDoc leaves HTML characters unescaped so the payload bytes read back
// are the bytes that were hashed.
func encodeDoc(d *Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(d); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func getDoc(txn *badger.Txn, id string) (*Document, error) {
	item, err := txn.Get(docKey(id))
	if err != nil {
		return nil, err
	}
	var doc Document
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func docKey(id string) []byte     { return []byte("doc/" + id) }
func versionKey(id string) []byte { return []byte("ver/" + id) }

func recordKey(id string, v int) []byte {
	return []byte(fmt.Sprintf("rec/%s/%010d", id, v))
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct{ l zerolog.Logger }

func (b badgerLogger) Errorf(f string, v ...interface{})   { b.l.Error().Msgf(f, v...) }
func (b badgerLogger) Warningf(f string, v ...interface{}) { b.l.Warn().Msgf(f, v...) }
func (b badgerLogger) Infof(f string, v ...interface{})    { b.l.Debug().Msgf(f, v...) }
func (b badgerLogger) Debugf(f string, v ...interface{})   { b.l.Trace().Msgf(f, v...) }
