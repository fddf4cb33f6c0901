// Package journal persists the last synchronized state of every path in a
// bbolt database. Every write is committed in its own transaction and is
// durable when the call returns.
package journal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	syncerrors "github.com/alexjbarnes/placeholder-sync/internal/errors"
	"github.com/alexjbarnes/placeholder-sync/reconcile"
	bolt "go.etcd.io/bbolt"
)

const (
	// journalDirPerm is the permission mode for the directory holding the
	// database.
	journalDirPerm = fs.FileMode(0o700)

	// journalFilePerm is the permission mode for the database file.
	journalFilePerm = fs.FileMode(0o600)

	// journalOpenTimeout is the maximum time to wait for the bolt file lock.
	journalOpenTimeout = 5 * time.Second
)

var (
	metaBucket      = []byte("meta")
	recordsBucket   = []byte("records")
	conflictsBucket = []byte("conflicts")
	certsBucket     = []byte("certificates")
	lastPassKey     = []byte("last_pass")
)

// ConflictRecord remembers a path whose two sides diverged.
type ConflictRecord struct {
	Path string `json:"path"`
	// CopyPath is where the local content was kept. Empty when there was
	// no local content to keep.
	CopyPath       string    `json:"copy_path,omitempty"`
	BaseIdentity   string    `json:"base_etag,omitempty"`
	RemoteIdentity string    `json:"remote_etag,omitempty"`
	DetectedAt     time.Time `json:"detected_at"`
	Preview        string    `json:"preview,omitempty"`
}

// PassInfo summarizes the most recent completed pass.
type PassInfo struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Applied    int       `json:"applied"`
	Failed     int       `json:"failed"`
	Conflicts  int       `json:"conflicts"`
}

// CertificateRecord remembers a server certificate accepted without
// verification.
type CertificateRecord struct {
	Fingerprint string    `json:"fingerprint"`
	Subject     string    `json:"subject"`
	Issuer      string    `json:"issuer"`
	NotAfter    time.Time `json:"not_after"`
	FirstSeen   time.Time `json:"first_seen"`
}

// Commit is the journal side of one applied instruction. All of its
// changes land in a single transaction.
type Commit struct {
	Path string

	// Record replaces the entry at Path. Nil removes it.
	Record *reconcile.ItemRecord

	// Drop lists additional paths to remove, such as a rename source.
	Drop []string

	// Conflict, when set, is stored alongside the record.
	Conflict *ConflictRecord

	// ClearConflict removes a conflict record for Path that an earlier
	// pass left behind.
	ClearConflict bool

	// Guarded makes the commit conditional on the stored record at
	// BasePath (Path when empty) still being Base. A nil Base means no
	// record may exist there. A mismatch fails with ErrRecordChanged and
	// writes nothing.
	Guarded  bool
	Base     *reconcile.ItemRecord
	BasePath string
}

// Journal wraps a bbolt database holding item records and conflicts.
type Journal struct {
	db *bolt.DB
}

// Open opens the journal at path, creating the file and its directory if
// they do not exist.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), journalDirPerm); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := bolt.Open(path, journalFilePerm, &bolt.Options{Timeout: journalOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("%w: opening journal: %w", syncerrors.ErrJournalIO, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{metaBucket, recordsBucket, conflictsBucket, certsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: initializing journal: %w", syncerrors.ErrJournalIO, err)
	}

	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Path returns the database file location.
func (j *Journal) Path() string {
	return j.db.Path()
}

// Get returns the record for path, or nil if there is none.
func (j *Journal) Get(path string) (*reconcile.ItemRecord, error) {
	var rec *reconcile.ItemRecord

	err := j.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(recordsBucket).Get([]byte(path))
		if v == nil {
			return nil
		}

		rec = &reconcile.ItemRecord{}

		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, wrap("reading record", err)
	}

	return rec, nil
}

// Set stores the record under its path.
func (j *Journal) Set(rec reconcile.ItemRecord) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(recordsBucket), rec.Path, rec)
	})

	return wrap("writing record", err)
}

// Remove deletes the record for path. Removing a missing record is a
// no-op.
func (j *Journal) Remove(path string) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(path))
	})

	return wrap("removing record", err)
}

// QueryPrefix returns the records at prefix and below it, in key order.
// An empty prefix returns everything.
func (j *Journal) QueryPrefix(prefix string) ([]reconcile.ItemRecord, error) {
	var out []reconcile.ItemRecord

	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		p := []byte(prefix)

		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if prefix != "" && len(k) > len(p) && k[len(p)] != '/' {
				continue
			}

			var rec reconcile.ItemRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding %s: %w", k, err)
			}

			out = append(out, rec)
		}

		return nil
	})
	if err != nil {
		return nil, wrap("querying records", err)
	}

	return out, nil
}

// ConflictRecordPaths returns the paths that currently have a conflict
// record, in key order.
func (j *Journal) ConflictRecordPaths() ([]string, error) {
	var out []string

	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conflictsBucket).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, wrap("listing conflicts", err)
	}

	return out, nil
}

// Conflicts returns every conflict record in key order.
func (j *Journal) Conflicts() ([]ConflictRecord, error) {
	var out []ConflictRecord

	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conflictsBucket).ForEach(func(_, v []byte) error {
			var cr ConflictRecord
			if err := json.Unmarshal(v, &cr); err != nil {
				return err
			}

			out = append(out, cr)

			return nil
		})
	})
	if err != nil {
		return nil, wrap("reading conflicts", err)
	}

	return out, nil
}

// GetConflict returns the conflict record for path, or nil.
func (j *Journal) GetConflict(path string) (*ConflictRecord, error) {
	var cr *ConflictRecord

	err := j.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conflictsBucket).Get([]byte(path))
		if v == nil {
			return nil
		}

		cr = &ConflictRecord{}

		return json.Unmarshal(v, cr)
	})
	if err != nil {
		return nil, wrap("reading conflict", err)
	}

	return cr, nil
}

// RemoveConflict deletes the conflict record for path. It reports
// ErrRecordNotFound when there is none so callers can tell the user.
func (j *Journal) RemoveConflict(path string) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conflictsBucket)
		if b.Get([]byte(path)) == nil {
			return fmt.Errorf("conflict %s: %w", path, syncerrors.ErrRecordNotFound)
		}

		return b.Delete([]byte(path))
	})
	if err != nil && !errors.Is(err, syncerrors.ErrRecordNotFound) {
		return wrap("removing conflict", err)
	}

	return err
}

// Apply commits one instruction's journal changes atomically. A guarded
// commit whose base moved fails with ErrRecordChanged, and a record whose
// type cannot follow the stored one fails with ErrMalformedInput; neither
// is a storage failure.
func (j *Journal) Apply(c Commit) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(recordsBucket)
		conflicts := tx.Bucket(conflictsBucket)

		if c.Guarded {
			if err := checkBase(records, c); err != nil {
				return err
			}
		}

		if c.Record != nil {
			if err := checkTransition(records, *c.Record); err != nil {
				return err
			}
		}

		for _, p := range c.Drop {
			if err := records.Delete([]byte(p)); err != nil {
				return err
			}
		}

		if c.Record != nil {
			if err := putJSON(records, c.Record.Path, c.Record); err != nil {
				return err
			}
		} else if err := records.Delete([]byte(c.Path)); err != nil {
			return err
		}

		if c.ClearConflict {
			if err := conflicts.Delete([]byte(c.Path)); err != nil {
				return err
			}
		}

		if c.Conflict != nil {
			return putJSON(conflicts, c.Conflict.Path, c.Conflict)
		}

		return nil
	})
	if errors.Is(err, syncerrors.ErrRecordChanged) || errors.Is(err, syncerrors.ErrMalformedInput) {
		return err
	}

	return wrap("committing "+c.Path, err)
}

func checkBase(records *bolt.Bucket, c Commit) error {
	path := c.BasePath
	if path == "" {
		path = c.Path
	}

	stored, err := getRecord(records, path)
	if err != nil {
		return err
	}

	switch {
	case stored == nil && c.Base == nil:
		return nil
	case stored == nil || c.Base == nil || *stored != *c.Base:
		return fmt.Errorf("%s: %w", path, syncerrors.ErrRecordChanged)
	}

	return nil
}

func checkTransition(records *bolt.Bucket, next reconcile.ItemRecord) error {
	stored, err := getRecord(records, next.Path)
	if err != nil || stored == nil {
		return err
	}

	if !reconcile.ValidTransition(stored.Type, next.Type) {
		return fmt.Errorf("%w: %s: %s cannot become %s",
			syncerrors.ErrMalformedInput, next.Path, stored.Type, next.Type)
	}

	return nil
}

func getRecord(records *bolt.Bucket, path string) (*reconcile.ItemRecord, error) {
	v := records.Get([]byte(path))
	if v == nil {
		return nil, nil
	}

	rec := &reconcile.ItemRecord{}
	if err := json.Unmarshal(v, rec); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	return rec, nil
}

// RecordCertificate stores cert unless its fingerprint is already known.
// It reports whether the record was new.
func (j *Journal) RecordCertificate(cert CertificateRecord) (bool, error) {
	var added bool

	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(certsBucket)
		if b.Get([]byte(cert.Fingerprint)) != nil {
			return nil
		}

		added = true

		return putJSON(b, cert.Fingerprint, cert)
	})

	return added, wrap("recording certificate", err)
}

// Certificates returns every accepted certificate, ordered by
// fingerprint.
func (j *Journal) Certificates() ([]CertificateRecord, error) {
	var out []CertificateRecord

	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(certsBucket).ForEach(func(_, v []byte) error {
			var cr CertificateRecord
			if err := json.Unmarshal(v, &cr); err != nil {
				return err
			}

			out = append(out, cr)

			return nil
		})
	})
	if err != nil {
		return nil, wrap("reading certificates", err)
	}

	return out, nil
}

// LastPass returns the summary of the last completed pass. The zero
// value means no pass has completed yet.
func (j *Journal) LastPass() (PassInfo, error) {
	var info PassInfo

	err := j.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(lastPassKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &info)
	})

	return info, wrap("reading pass info", err)
}

// SetLastPass records the summary of a completed pass.
func (j *Journal) SetLastPass(info PassInfo) error {
	err := j.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}

		return tx.Bucket(metaBucket).Put(lastPassKey, data)
	})

	return wrap("writing pass info", err)
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return b.Put([]byte(key), data)
}

// wrap tags storage failures with ErrJournalIO. A nil error stays nil.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %s: %w", syncerrors.ErrJournalIO, op, err)
}
