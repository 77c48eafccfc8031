// Package journal persists in-flight upload sessions so an interrupted upload can resume
// from the last acknowledged chunk instead of starting over.
package journal

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/timshannon/bolthold"
	"go.etcd.io/bbolt"
)

// Record is one upload session. BytesAcked is always a chunk boundary.
type Record struct {
	UploadID   string    `json:"uploadId" boltholdKey:"UploadID"`
	Endpoint   string    `json:"endpoint" boltholdIndex:"Endpoint"`
	Target     string    `json:"target"`
	Path       string    `json:"path" boltholdIndex:"Path"`
	Size       int64     `json:"size"`
	ModTime    int64     `json:"modTime"`
	ChunkSize  int64     `json:"chunkSize"`
	BytesAcked int64     `json:"bytesAcked"`
	ExpiresAt  time.Time `json:"expiresAt"`
	UpdatedAt  int64     `json:"updatedAt" boltholdIndex:"UpdatedAt"`
}

type Store struct {
	db  *bolthold.Store
	now func() time.Time
}

// Open creates dir if needed and opens the journal database inside it.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := bolthold.Open(filepath.Join(dir, "uploads.db"), 0o644, &bolthold.Options{
		Encoder: json.Marshal,
		Decoder: json.Unmarshal,
		Options: &bbolt.Options{
			Timeout:      5 * time.Second,
			NoGrowSync:   bbolt.DefaultOptions.NoGrowSync,
			FreelistType: bbolt.DefaultOptions.FreelistType,
		},
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Find returns the newest record for the same file on the same endpoint, or nil.
// A file whose size or modification time changed never matches.
func (s *Store) Find(endpoint, path string, size int64, modTime time.Time) (*Record, error) {
	var records []*Record
	err := s.db.Find(&records, bolthold.Where("Path").Eq(path).
		And("Endpoint").Eq(endpoint).
		And("Size").Eq(size).
		And("ModTime").Eq(modTime.UnixNano()).
		SortBy("UpdatedAt").Reverse().Limit(1))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// Save inserts or replaces r.
func (s *Store) Save(r *Record) error {
	r.UpdatedAt = s.now().UnixNano()
	return s.db.Upsert(r.UploadID, r)
}

// Delete removes the record for uploadID; a missing record is not an error.
func (s *Store) Delete(uploadID string) error {
	if err := s.db.Delete(uploadID, &Record{}); err != nil && !errors.Is(err, bolthold.ErrNotFound) {
		return err
	}
	return nil
}

// Prune drops records that expired before now and returns how many were removed.
func (s *Store) Prune() (int, error) {
	var records []*Record
	if err := s.db.Find(&records, bolthold.Where("ExpiresAt").Lt(s.now()).
		And("ExpiresAt").Ne(time.Time{})); err != nil {
		return 0, err
	}
	for _, r := range records {
		if err := s.Delete(r.UploadID); err != nil {
			return 0, err
		}
	}
	return len(records), nil
}
