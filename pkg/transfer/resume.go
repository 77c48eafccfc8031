package transfer

import (
	"os"
	"time"

	"github.com/nektos/buildcache/pkg/transfer/journal"
)

// SessionJournal remembers acknowledged progress of uploads across process restarts.
type SessionJournal interface {
	Find(endpoint, path string, size int64, modTime time.Time) (*journal.Record, error)
	Save(r *journal.Record) error
	Delete(uploadID string) error
}

var _ SessionJournal = (*journal.Store)(nil)

func newRecord(kind EndpointKind, path string, fi os.FileInfo, s *UploadSession) *journal.Record {
	return &journal.Record{
		UploadID:   s.UploadID,
		Endpoint:   kind.String(),
		Target:     s.TargetName,
		Path:       absPath(path),
		Size:       fi.Size(),
		ModTime:    fi.ModTime().UnixNano(),
		ChunkSize:  s.ChunkSize,
		BytesAcked: s.BytesSent,
		ExpiresAt:  s.ExpiresAt,
	}
}
