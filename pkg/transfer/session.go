package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// State of an UploadSession.
type State int

const (
	StateInitiated State = iota
	StateTransferring
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitiated:
		return "initiated"
	case StateTransferring:
		return "transferring"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// UploadSession is the client view of one server-tracked upload.
// ChunkSize is fixed by the server at init and never changes.
type UploadSession struct {
	UploadID   string
	TargetName string
	TotalSize  int64
	ChunkSize  int64
	BytesSent  int64
	State      State
	ExpiresAt  time.Time
}

// Chunk is an inclusive byte range [Start, End] of the source file.
type Chunk struct {
	Start    int64
	End      int64
	Length   int64
	Attempts int
}

func (c Chunk) ContentRange(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", c.Start, c.End, total)
}

// PlanChunks tiles [0, total) with chunks of size bytes; only the last may be shorter.
func PlanChunks(total, size int64) []Chunk {
	if total <= 0 || size <= 0 {
		return nil
	}
	chunks := make([]Chunk, 0, (total+size-1)/size)
	for start := int64(0); start < total; start += size {
		length := size
		if rest := total - start; rest < length {
			length = rest
		}
		chunks = append(chunks, Chunk{Start: start, End: start + length - 1, Length: length})
	}
	return chunks
}

// MaxChunkSize is the largest chunk size a server may hand out. Larger values are a
// protocol violation rather than an allocation.
const MaxChunkSize = 1 << 30

// EndpointKind selects which server contract an upload follows.
type EndpointKind int

const (
	// FileEndpoint is {fileServer}/upload/*, authorized with x-authorization; done carries file.id.
	FileEndpoint EndpointKind = iota
	// CacheEndpoint is {cacheServer}/cache/*, authorized with a bearer token; the name is the cache key.
	CacheEndpoint
)

func (k EndpointKind) String() string {
	if k == CacheEndpoint {
		return "cache"
	}
	return "file"
}

// InitRequest describes the file to upload. Size and MimeType are filled from the file when empty.
type InitRequest struct {
	Name     string
	Size     int64
	MimeType string
	Folder   string
}

type fileInitBody struct {
	Filename        string `json:"filename"`
	FileSize        int64  `json:"fileSize"`
	MimeType        string `json:"mimeType"`
	ChunkMultiplier int    `json:"chunkMultiplier"`
	FolderPath      string `json:"folderPath,omitempty"`
}

type cacheInitBody struct {
	Key             string `json:"key"`
	FileSize        int64  `json:"fileSize"`
	ChunkMultiplier int    `json:"chunkMultiplier"`
}

type initResponse struct {
	UploadID  string    `json:"uploadId"`
	ChunkSize int64     `json:"chunkSize"`
	Key       string    `json:"key,omitempty"`
	FileSize  int64     `json:"fileSize,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// FileRef identifies a stored artifact; servers send the id as a string or a number.
type FileRef struct {
	ID string `json:"id"`
}

func (f *FileRef) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID any `json:"id"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch id := raw.ID.(type) {
	case nil:
		f.ID = ""
	case string:
		f.ID = id
	case json.Number:
		f.ID = id.String()
	default:
		return fmt.Errorf("file id: unexpected %T", raw.ID)
	}
	return nil
}

// ChunkResponse is the server's answer to one chunk. Done is authoritative for completion.
type ChunkResponse struct {
	Done               bool     `json:"done"`
	File               *FileRef `json:"file,omitempty"`
	NextExpectedRanges []string `json:"nextExpectedRanges,omitempty"`
	Key                string   `json:"key,omitempty"`
	Size               int64    `json:"size,omitempty"`
}

func (c *Client) base(kind EndpointKind) string {
	if kind == CacheEndpoint {
		return c.cacheServer
	}
	return c.fileServer
}

func (c *Client) authorize(kind EndpointKind) func(http.Header) {
	if kind == CacheEndpoint {
		return c.bearerAuth
	}
	return c.fileAuth
}

// Initiate opens an upload session. The chunk multiplier is only a hint; the server's chunk
// size is used as returned. Failures are not retried here.
func (c *Client) Initiate(ctx context.Context, kind EndpointKind, req InitRequest) (*UploadSession, error) {
	var body any
	var url string
	switch kind {
	case CacheEndpoint:
		url = c.base(kind) + "/cache/init"
		body = cacheInitBody{Key: req.Name, FileSize: req.Size, ChunkMultiplier: c.chunkMultiplier}
	default:
		url = c.base(kind) + "/upload/init"
		body = fileInitBody{
			Filename:        req.Name,
			FileSize:        req.Size,
			MimeType:        req.MimeType,
			ChunkMultiplier: c.chunkMultiplier,
			FolderPath:      req.Folder,
		}
	}

	var resp initResponse
	if err := c.postJSON(ctx, "init "+req.Name, url, c.authorize(kind), body, &resp); err != nil {
		return nil, err
	}
	if resp.UploadID == "" || resp.ChunkSize <= 0 || resp.ChunkSize > MaxChunkSize {
		return nil, &ProtocolViolationError{
			UploadID: resp.UploadID,
			Reason:   fmt.Sprintf("init returned upload id %q with chunk size %d", resp.UploadID, resp.ChunkSize),
		}
	}

	c.logger(ctx).Debugf("upload %s of %s: %d bytes in chunks of %d", resp.UploadID, req.Name, req.Size, resp.ChunkSize)
	return &UploadSession{
		UploadID:   resp.UploadID,
		TargetName: req.Name,
		TotalSize:  req.Size,
		ChunkSize:  resp.ChunkSize,
		State:      StateInitiated,
		ExpiresAt:  resp.ExpiresAt,
	}, nil
}

// Transfer sends the remaining chunks of src, starting at s.BytesSent.
func (c *Client) Transfer(ctx context.Context, kind EndpointKind, s *UploadSession, src io.ReadSeeker) (*ChunkResponse, error) {
	return c.transfer(ctx, kind, s, src, nil)
}

func (c *Client) transfer(ctx context.Context, kind EndpointKind, s *UploadSession, src io.ReadSeeker, ack func(*UploadSession)) (*ChunkResponse, error) {
	logger := c.logger(ctx).WithField("upload", s.UploadID)
	progress := newThroughputLogger(logger, "uploaded", s.TargetName, s.TotalSize, c.now)
	progress.resumeAt(s.BytesSent)

	if s.ChunkSize <= 0 || s.ChunkSize > MaxChunkSize {
		s.State = StateFailed
		return nil, &ProtocolViolationError{
			UploadID: s.UploadID,
			Reason:   fmt.Sprintf("chunk size %d is outside 1-%d", s.ChunkSize, MaxChunkSize),
		}
	}
	chunks := PlanChunks(s.TotalSize, s.ChunkSize)
	// no chunk is longer than the file
	buf := make([]byte, min(s.ChunkSize, max(s.TotalSize, 0)))
	s.State = StateTransferring

	for i, chunk := range chunks {
		if chunk.End < s.BytesSent {
			continue
		}
		if chunk.Start != s.BytesSent {
			s.State = StateFailed
			return nil, &ProtocolViolationError{
				UploadID: s.UploadID,
				Reason:   fmt.Sprintf("resume offset %d is not a chunk boundary of %d", s.BytesSent, s.ChunkSize),
			}
		}

		data := buf[:chunk.Length]
		n, err := readChunk(src, chunk.Start, data)
		if err != nil {
			s.State = StateFailed
			return nil, errors.Wrapf(err, "read %s at %d", s.TargetName, chunk.Start)
		}
		if int64(n) != chunk.Length {
			s.State = StateFailed
			return nil, errors.Errorf("read %s at %d: got %d of %d bytes, file changed during upload",
				s.TargetName, chunk.Start, n, chunk.Length)
		}

		var resp *ChunkResponse
		err = c.retry.Do(ctx, func(ctx context.Context, attempt int) error {
			chunk.Attempts = attempt
			r, err := c.postChunk(ctx, kind, s, chunk, data)
			if err != nil {
				logger.Warnf("chunk %s of %s failed (attempt %d/%d): %v",
					chunk.ContentRange(s.TotalSize), s.TargetName, attempt, c.retry.Attempts, err)
				return err
			}
			resp = r
			return nil
		})
		if err != nil {
			s.State = StateFailed
			return nil, errors.Wrapf(err, "upload %s chunk %s", s.TargetName, chunk.ContentRange(s.TotalSize))
		}

		s.BytesSent = chunk.End + 1
		last := i == len(chunks)-1 || resp.Done
		progress.add(chunk.Length, last)
		if ack != nil {
			ack(s)
		}
		if resp.Done {
			s.State = StateDone
			return resp, nil
		}
	}

	s.State = StateFailed
	return nil, &ProtocolViolationError{UploadID: s.UploadID, BytesSent: s.BytesSent, TotalSize: s.TotalSize}
}

func (c *Client) postChunk(ctx context.Context, kind EndpointKind, s *UploadSession, chunk Chunk, data []byte) (*ChunkResponse, error) {
	url := c.base(kind) + "/upload/chunk"
	if kind == CacheEndpoint {
		url = c.base(kind) + "/cache/chunk"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", chunk.ContentRange(s.TotalSize))
	req.Header.Set("x-upload-id", s.UploadID)
	c.authorize(kind)(req.Header)

	var resp ChunkResponse
	if err := c.do(c.api, "chunk "+s.TargetName, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// readChunk seeks to offset and reads until buf is full or the source is exhausted.
func readChunk(src io.ReadSeeker, offset int64, buf []byte) (int, error) {
	if _, err := src.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	n, empty := 0, 0
	for n < len(buf) {
		m, err := src.Read(buf[n:])
		n += m
		if err == io.EOF {
			break
		} else if err != nil {
			return n, err
		}
		if m == 0 {
			empty++
			if empty > 100 {
				return n, io.ErrNoProgress
			}
		} else {
			empty = 0
		}
	}
	return n, nil
}

// UploadFile uploads one local file in a single session, resuming from the journal when a
// matching record exists. The caller decides whether to retry the whole operation.
func (c *Client) UploadFile(ctx context.Context, kind EndpointKind, path string, req InitRequest) (*ChunkResponse, error) {
	logger := c.logger(ctx)

	// problems with the local file are permanent, retrying cannot fix them
	f, err := os.Open(path)
	if err != nil {
		return nil, &permanentError{err}
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, &permanentError{err}
	}
	if fi.Size() == 0 {
		return nil, &permanentError{errors.Errorf("upload %s: file is empty", path)}
	}
	req.Size = fi.Size()
	if req.Name == "" {
		req.Name = filepath.Base(path)
	}
	if req.MimeType == "" {
		req.MimeType = mimeType(path)
	}

	if c.journal != nil {
		resp, ok, err := c.resume(ctx, kind, f, path, fi, req)
		if ok {
			return resp, err
		}
	}

	s, err := c.Initiate(ctx, kind, req)
	if err != nil {
		return nil, err
	}

	var ack func(*UploadSession)
	if c.journal != nil {
		rec := newRecord(kind, path, fi, s)
		ack = func(s *UploadSession) {
			rec.BytesAcked = s.BytesSent
			if err := c.journal.Save(rec); err != nil {
				logger.Warnf("unable to record progress of %s: %v", s.UploadID, err)
			}
		}
		ack(s)
	}

	resp, err := c.transfer(ctx, kind, s, f, ack)
	if c.journal != nil && (err == nil || IsProtocolViolation(err)) {
		c.forget(ctx, s.UploadID)
	}
	return resp, err
}

// resume continues a journaled session. ok is false when there was nothing to resume or the
// server no longer accepts the session, in which case the caller starts over.
func (c *Client) resume(ctx context.Context, kind EndpointKind, f *os.File, path string, fi os.FileInfo, req InitRequest) (*ChunkResponse, bool, error) {
	logger := c.logger(ctx)

	rec, err := c.journal.Find(kind.String(), absPath(path), fi.Size(), fi.ModTime())
	if err != nil {
		logger.Warnf("unable to read upload journal: %v", err)
		return nil, false, nil
	}
	if rec == nil {
		return nil, false, nil
	}
	if !rec.ExpiresAt.IsZero() && !rec.ExpiresAt.After(c.now()) {
		c.forget(ctx, rec.UploadID)
		return nil, false, nil
	}

	s := &UploadSession{
		UploadID:   rec.UploadID,
		TargetName: req.Name,
		TotalSize:  rec.Size,
		ChunkSize:  rec.ChunkSize,
		BytesSent:  rec.BytesAcked,
		State:      StateTransferring,
		ExpiresAt:  rec.ExpiresAt,
	}
	logger.Infof("resuming upload %s of %s at byte %d/%d", s.UploadID, s.TargetName, s.BytesSent, s.TotalSize)

	resp, err := c.transfer(ctx, kind, s, f, func(s *UploadSession) {
		rec.BytesAcked = s.BytesSent
		if err := c.journal.Save(rec); err != nil {
			logger.Warnf("unable to record progress of %s: %v", s.UploadID, err)
		}
	})
	if err == nil || IsProtocolViolation(err) {
		c.forget(ctx, s.UploadID)
		return resp, true, err
	}
	if ctx.Err() != nil {
		return nil, true, err
	}
	logger.Warnf("resuming upload %s failed, starting over: %v", s.UploadID, err)
	c.forget(ctx, s.UploadID)
	return nil, false, nil
}

func (c *Client) forget(ctx context.Context, uploadID string) {
	if err := c.journal.Delete(uploadID); err != nil {
		c.logger(ctx).Warnf("unable to remove journal record %s: %v", uploadID, err)
	}
}

// Upload runs UploadFile under the whole-operation retry budget.
func (c *Client) Upload(ctx context.Context, kind EndpointKind, path string, req InitRequest) (*ChunkResponse, error) {
	var resp *ChunkResponse
	err := c.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		r, err := c.UploadFile(ctx, kind, path, req)
		if err != nil {
			if attempt < c.retry.Attempts && isRetryable(err) {
				c.logger(ctx).Warnf("upload of %s failed (attempt %d/%d): %v", path, attempt, c.retry.Attempts, err)
			}
			return err
		}
		resp = r
		return nil
	})
	var pe *permanentError
	if errors.As(err, &pe) {
		err = pe.err
	}
	return resp, err
}

func mimeType(path string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		return t
	}
	return "application/octet-stream"
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
