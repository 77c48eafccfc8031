package cacheserver

const (
	kindFile  = "file"
	kindCache = "cache"
)

// Session is an upload in progress. Received is the length of the contiguous prefix stored so far.
type Session struct {
	ID        string `json:"id" boltholdKey:"ID"`
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Folder    string `json:"folder,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	Size      int64  `json:"size"`
	ChunkSize int64  `json:"chunkSize"`
	Received  int64  `json:"received"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt" boltholdIndex:"UpdatedAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Entry is a committed cache archive. Blob names the stored file.
type Entry struct {
	Key       string `json:"key" boltholdKey:"Key"`
	Blob      string `json:"blob"`
	Size      int64  `json:"size"`
	CreatedAt int64  `json:"createdAt" boltholdIndex:"CreatedAt"`
	// UpdatedAt is in nanoseconds so listings order saves within the same second.
	UpdatedAt int64 `json:"updatedAt" boltholdIndex:"UpdatedAt"`
	UsedAt    int64 `json:"usedAt" boltholdIndex:"UsedAt"`
}

// File is a committed artifact, addressed by its sequence id.
type File struct {
	ID        uint64 `json:"id" boltholdKey:"ID"`
	Blob      string `json:"blob"`
	Name      string `json:"name"`
	Folder    string `json:"folder,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	Size      int64  `json:"size"`
	CreatedAt int64  `json:"createdAt" boltholdIndex:"CreatedAt"`
	UsedAt    int64  `json:"usedAt" boltholdIndex:"UsedAt"`
}

type fileInitRequest struct {
	Filename        string `json:"filename"`
	FileSize        int64  `json:"fileSize"`
	MimeType        string `json:"mimeType"`
	ChunkMultiplier int64  `json:"chunkMultiplier"`
	FolderPath      string `json:"folderPath"`
}

type cacheInitRequest struct {
	Key             string `json:"key"`
	FileSize        int64  `json:"fileSize"`
	ChunkMultiplier int64  `json:"chunkMultiplier"`
}
