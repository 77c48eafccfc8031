package cacheserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
	"github.com/timshannon/bolthold"
	"go.etcd.io/bbolt"

	"github.com/nektos/buildcache/pkg/common"
)

const (
	DefaultChunkSize    = 1 << 20
	DefaultMaxChunkSize = 64 << 20
	DefaultSessionTTL   = time.Hour
)

type Options struct {
	// ChunkSize is multiplied by the client's chunk multiplier and clamped to MaxChunkSize.
	ChunkSize    int64
	MaxChunkSize int64
	SessionTTL   time.Duration
	// Secret enables HS256 token verification; empty accepts any request.
	Secret []byte
}

func (o *Options) setDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxChunkSize < o.ChunkSize {
		o.MaxChunkSize = DefaultMaxChunkSize
		if o.MaxChunkSize < o.ChunkSize {
			o.MaxChunkSize = o.ChunkSize
		}
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = DefaultSessionTTL
	}
}

type Handler struct {
	dir      string
	opts     Options
	db       *bolthold.Store
	storage  *Storage
	router   *httprouter.Router
	listener net.Listener
	server   *http.Server
	logger   logrus.FieldLogger

	// mu serializes metadata updates; chunk bodies are written outside of it
	mu sync.Mutex

	gcing atomic.Bool
	gcAt  time.Time
	now   func() time.Time
}

// NewHandler opens the database and storage below dir.
func NewHandler(dir string, opts Options, logger logrus.FieldLogger) (*Handler, error) {
	h := &Handler{now: time.Now}
	opts.setDefaults()
	h.opts = opts

	if logger == nil {
		discard := logrus.New()
		discard.Out = io.Discard
		logger = discard
	}
	h.logger = logger.WithField("module", "cacheserver")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	h.dir = dir

	storage, err := NewStorage(filepath.Join(dir, "blobs"))
	if err != nil {
		return nil, err
	}
	h.storage = storage

	db, err := bolthold.Open(filepath.Join(dir, "bolt.db"), 0o644, &bolthold.Options{
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
	h.db = db

	router := httprouter.New()
	router.POST("/upload/init", h.middleware(h.initFile))
	router.POST("/upload/chunk", h.middleware(h.chunk(kindFile)))
	router.GET("/bin/:id", h.middleware(h.getFile))
	router.POST("/cache/init", h.middleware(h.initCache))
	router.POST("/cache/chunk", h.middleware(h.chunk(kindCache)))
	router.GET("/cache/:key", h.middleware(h.getCache))
	router.GET("/cache", h.middleware(h.list))
	h.router = router

	h.gcCache()
	return h, nil
}

// StartHandler serves a new handler on addr, e.g. ":8080" or "127.0.0.1:0".
func StartHandler(dir, addr string, opts Options, logger logrus.FieldLogger) (*Handler, error) {
	h, err := NewHandler(dir, opts, logger)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		_ = h.db.Close()
		return nil, err
	}
	server := &http.Server{
		ReadHeaderTimeout: 2 * time.Second,
		Handler:           h,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Errorf("http serve: %v", err)
		}
	}()
	h.listener = listener
	h.server = server
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// ExternalURL is the base URL clients use to reach a started handler.
func (h *Handler) ExternalURL() string {
	addr := h.listener.Addr().(*net.TCPAddr)
	host := addr.IP.String()
	if addr.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(addr.Port)))
}

func (h *Handler) Close() error {
	if h == nil {
		return nil
	}
	var retErr error
	if h.server != nil {
		err := h.server.Close()
		if err != nil {
			retErr = err
		}
		h.server = nil
	}
	if h.listener != nil {
		err := h.listener.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		if err != nil {
			retErr = err
		}
		h.listener = nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db != nil {
		if err := h.db.Close(); err != nil {
			retErr = err
		}
		h.db = nil
	}
	return retErr
}

func (h *Handler) chunkSize(multiplier int64) int64 {
	if multiplier < 1 {
		multiplier = 1
	}
	size := h.opts.ChunkSize * multiplier
	if size > h.opts.MaxChunkSize || size/multiplier != h.opts.ChunkSize {
		size = h.opts.MaxChunkSize
	}
	return size
}

func (h *Handler) newSession(kind, name string, size, multiplier int64) *Session {
	now := h.now()
	sess := &Session{
		ID:        uuid.NewString(),
		Kind:      kind,
		Name:      name,
		Size:      size,
		ChunkSize: h.chunkSize(multiplier),
		CreatedAt: now.Unix(),
		UpdatedAt: now.Unix(),
		ExpiresAt: now.Add(h.opts.SessionTTL).Unix(),
	}
	return sess
}

// POST /upload/init
func (h *Handler) initFile(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req := &fileInitRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		h.responseJSON(w, r, 400, err)
		return
	}
	if req.Filename == "" || req.FileSize <= 0 {
		h.responseJSON(w, r, 400, fmt.Errorf("filename and a positive fileSize are required"))
		return
	}

	sess := h.newSession(kindFile, req.Filename, req.FileSize, req.ChunkMultiplier)
	sess.Folder = req.FolderPath
	sess.MimeType = req.MimeType

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.db.Insert(sess.ID, sess); err != nil {
		h.responseJSON(w, r, 500, err)
		return
	}
	h.responseJSON(w, r, 200, map[string]any{
		"uploadId":  sess.ID,
		"chunkSize": sess.ChunkSize,
		"expiresAt": time.Unix(sess.ExpiresAt, 0).UTC(),
	})
}

// POST /cache/init
func (h *Handler) initCache(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req := &cacheInitRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		h.responseJSON(w, r, 400, err)
		return
	}
	if req.Key == "" || req.FileSize <= 0 {
		h.responseJSON(w, r, 400, fmt.Errorf("key and a positive fileSize are required"))
		return
	}

	sess := h.newSession(kindCache, req.Key, req.FileSize, req.ChunkMultiplier)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.db.Insert(sess.ID, sess); err != nil {
		h.responseJSON(w, r, 500, err)
		return
	}
	h.responseJSON(w, r, 200, map[string]any{
		"uploadId":  sess.ID,
		"key":       sess.Name,
		"fileSize":  sess.Size,
		"chunkSize": sess.ChunkSize,
		"expiresAt": time.Unix(sess.ExpiresAt, 0).UTC(),
	})
}

func (h *Handler) getSession(id string) (*Session, error) {
	sess := &Session{}
	if err := h.db.Get(id, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func nextExpected(sess *Session) []string {
	return []string{fmt.Sprintf("%d-%d", sess.Received, sess.Size-1)}
}

// POST /upload/chunk and POST /cache/chunk
func (h *Handler) chunk(kind string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		id := r.Header.Get("x-upload-id")
		cr, err := parseContentRange(r.Header.Get("Content-Range"))
		if err != nil {
			h.responseJSON(w, r, 400, err)
			return
		}

		h.mu.Lock()
		sess, err := h.getSession(id)
		h.mu.Unlock()
		if errors.Is(err, bolthold.ErrNotFound) {
			h.responseJSON(w, r, 404, fmt.Errorf("upload %q: not found", id))
			return
		} else if err != nil {
			h.responseJSON(w, r, 500, err)
			return
		}

		if sess.Kind != kind {
			h.responseJSON(w, r, 400, fmt.Errorf("upload %q is a %s upload", id, sess.Kind))
			return
		}
		if cr.total != sess.Size {
			h.responseJSON(w, r, 400, fmt.Errorf("total %d does not match file size %d", cr.total, sess.Size))
			return
		}
		want := sess.ChunkSize
		if rest := sess.Size - cr.start; rest < want {
			want = rest
		}
		if cr.start%sess.ChunkSize != 0 || cr.length() != want {
			h.responseJSON(w, r, 400, fmt.Errorf("range %d-%d is not a chunk of size %d", cr.start, cr.end, sess.ChunkSize))
			return
		}
		if cr.start > sess.Received {
			h.responseJSON(w, r, 416, map[string]any{
				"error":              fmt.Sprintf("expected offset %d, got %d", sess.Received, cr.start),
				"nextExpectedRanges": nextExpected(sess),
			})
			return
		}

		n, err := h.storage.Write(id, cr.start, io.LimitReader(r.Body, cr.length()+1))
		if err != nil {
			h.responseJSON(w, r, 500, err)
			return
		}
		if n != cr.length() {
			h.responseJSON(w, r, 400, fmt.Errorf("chunk body has %d bytes, range says %d", n, cr.length()))
			return
		}

		h.mu.Lock()
		defer h.mu.Unlock()
		// re-read, a concurrent request for the same upload may have advanced it
		if sess, err = h.getSession(id); err != nil {
			h.responseJSON(w, r, 500, err)
			return
		}
		if cr.end+1 > sess.Received {
			sess.Received = cr.end + 1
		}
		now := h.now()
		sess.UpdatedAt = now.Unix()
		sess.ExpiresAt = now.Add(h.opts.SessionTTL).Unix()

		if sess.Received < sess.Size {
			if err := h.db.Update(sess.ID, sess); err != nil {
				h.responseJSON(w, r, 500, err)
				return
			}
			h.responseJSON(w, r, 200, map[string]any{
				"done":               false,
				"nextExpectedRanges": nextExpected(sess),
			})
			return
		}

		resp, err := h.commit(sess)
		if err != nil {
			h.responseJSON(w, r, 500, err)
			return
		}
		h.responseJSON(w, r, 200, resp)
	}
}

// commit turns a complete session into a file or cache entry. Caller holds h.mu.
func (h *Handler) commit(sess *Session) (map[string]any, error) {
	blob := uuid.NewString()
	if err := h.storage.Commit(sess.ID, blob, sess.Size); err != nil {
		_ = h.db.Delete(sess.ID, sess)
		return nil, err
	}
	if err := h.db.Delete(sess.ID, sess); err != nil {
		return nil, err
	}
	now := h.now().Unix()

	if sess.Kind == kindCache {
		entry := &Entry{}
		if err := h.db.Get(sess.Name, entry); err == nil {
			h.storage.Remove(entry.Blob)
		} else if !errors.Is(err, bolthold.ErrNotFound) {
			return nil, err
		} else {
			entry.CreatedAt = now
		}
		entry.Key = sess.Name
		entry.Blob = blob
		entry.Size = sess.Size
		entry.UpdatedAt = h.now().UnixNano()
		entry.UsedAt = now
		if err := h.db.Upsert(entry.Key, entry); err != nil {
			return nil, err
		}
		h.logger.Infof("saved cache %s (%d bytes)", entry.Key, entry.Size)
		return map[string]any{"done": true, "key": entry.Key, "size": entry.Size}, nil
	}

	file := &File{
		Blob:      blob,
		Name:      sess.Name,
		Folder:    sess.Folder,
		MimeType:  sess.MimeType,
		Size:      sess.Size,
		CreatedAt: now,
		UsedAt:    now,
	}
	if err := h.db.Insert(bolthold.NextSequence(), file); err != nil {
		return nil, err
	}
	// write back id to db
	if err := h.db.Update(file.ID, file); err != nil {
		return nil, err
	}
	h.logger.Infof("saved file %d %s/%s (%d bytes)", file.ID, file.Folder, file.Name, file.Size)
	return map[string]any{"done": true, "file": map[string]any{"id": file.ID}}, nil
}

// GET /bin/:id
func (h *Handler) getFile(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id, err := strconv.ParseUint(params.ByName("id"), 10, 64)
	if err != nil {
		h.responseJSON(w, r, 400, err)
		return
	}

	h.mu.Lock()
	file := &File{}
	err = h.db.Get(id, file)
	if err == nil {
		file.UsedAt = h.now().Unix()
		_ = h.db.Update(file.ID, file)
	}
	h.mu.Unlock()

	if errors.Is(err, bolthold.ErrNotFound) {
		h.responseJSON(w, r, 404, fmt.Errorf("file %d: not found", id))
		return
	} else if err != nil {
		h.responseJSON(w, r, 500, err)
		return
	}
	if file.MimeType != "" {
		w.Header().Set("Content-Type", file.MimeType)
	}
	h.storage.Serve(w, r, file.Blob)
}

// GET /cache/:key
func (h *Handler) getCache(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	key := params.ByName("key")

	h.mu.Lock()
	entry := &Entry{}
	err := h.db.Get(key, entry)
	if err == nil {
		var ok bool
		if ok, err = h.storage.Exist(entry.Blob); err == nil && !ok {
			_ = h.db.Delete(entry.Key, entry)
			err = bolthold.ErrNotFound
		}
	}
	if err == nil {
		entry.UsedAt = h.now().Unix()
		_ = h.db.Update(entry.Key, entry)
	}
	h.mu.Unlock()

	if errors.Is(err, bolthold.ErrNotFound) {
		h.responseJSON(w, r, 404, fmt.Errorf("cache %q: not found", key))
		return
	} else if err != nil {
		h.responseJSON(w, r, 500, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	h.storage.Serve(w, r, entry.Blob)
}

// GET /cache?prefix=
func (h *Handler) list(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	prefix := r.URL.Query().Get("prefix")
	re, err := regexp.Compile("^" + regexp.QuoteMeta(prefix))
	if err != nil {
		h.responseJSON(w, r, 400, err)
		return
	}

	var entries []*Entry
	h.mu.Lock()
	err = h.db.Find(&entries, bolthold.Where("Key").RegExp(re).SortBy("UpdatedAt", "Key").Reverse())
	h.mu.Unlock()
	if err != nil {
		h.responseJSON(w, r, 500, err)
		return
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	h.responseJSON(w, r, 200, keys)
}

func (h *Handler) middleware(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		h.logger.Debugf("%s %s", r.Method, r.RequestURI)
		if len(h.opts.Secret) > 0 {
			subject, err := common.ParseAuthorizationToken(r, h.opts.Secret)
			if err != nil {
				h.responseJSON(w, r, 401, fmt.Errorf("unauthorized: %w", err))
				return
			}
			h.logger.Debugf("authorized %s", subject)
		}
		handler(w, r, params)
		go h.gcCache()
	}
}

func (h *Handler) gcCache() {
	if !h.gcing.CompareAndSwap(false, true) {
		return
	}
	defer h.gcing.Store(false)

	if time.Since(h.gcAt) < time.Hour {
		h.logger.Debugf("skip gc: %v", h.gcAt.String())
		return
	}
	h.gcAt = time.Now()
	h.logger.Debugf("gc: %v", h.gcAt.String())

	const (
		keepUsed   = 30 * 24 * time.Hour
		keepUnused = 7 * 24 * time.Hour
	)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		return
	}
	now := h.now()

	var sessions []*Session
	if err := h.db.Find(&sessions, bolthold.Where("ExpiresAt").Lt(now.Unix())); err != nil {
		h.logger.Warnf("find sessions: %v", err)
	} else {
		for _, sess := range sessions {
			h.storage.Discard(sess.ID)
			if err := h.db.Delete(sess.ID, sess); err != nil {
				h.logger.Warnf("delete session: %v", err)
				continue
			}
			h.logger.Infof("deleted expired upload %s of %s", sess.ID, sess.Name)
		}
	}

	var entries []*Entry
	if err := h.db.Find(&entries, bolthold.Where("UsedAt").Lt(now.Add(-keepUnused).Unix())); err != nil {
		h.logger.Warnf("find caches: %v", err)
	} else {
		for _, entry := range entries {
			h.storage.Remove(entry.Blob)
			if err := h.db.Delete(entry.Key, entry); err != nil {
				h.logger.Warnf("delete cache: %v", err)
				continue
			}
			h.logger.Infof("deleted unused cache %s", entry.Key)
		}
	}

	var files []*File
	if err := h.db.Find(&files, bolthold.Where("CreatedAt").Lt(now.Add(-keepUsed).Unix())); err != nil {
		h.logger.Warnf("find files: %v", err)
	} else {
		for _, file := range files {
			h.storage.Remove(file.Blob)
			if err := h.db.Delete(file.ID, file); err != nil {
				h.logger.Warnf("delete file: %v", err)
				continue
			}
			h.logger.Infof("deleted file %d %s", file.ID, file.Name)
		}
	}
}
