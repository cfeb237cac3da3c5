package protocol

import "time"

// CreateSessionRequest is the body of POST /upload/session.
type CreateSessionRequest struct {
	Filename  string `json:"filename"`
	FileSize  int64  `json:"file_size"`
	ChunkSize uint32 `json:"chunk_size"`
}

// CreateSessionResponse is returned on successful session creation.
type CreateSessionResponse struct {
	SessionToken string    `json:"session_token"`
	ChunkSize    uint32    `json:"chunk_size"`
	TotalChunks  uint32    `json:"total_chunks"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SessionStatusResponse is returned by GET /upload/session/{token} for
// out-of-band status polling when no live connection exists.
type SessionStatusResponse struct {
	Filename       string     `json:"filename"`
	FileSize       int64      `json:"file_size"`
	ChunkSize      uint32     `json:"chunk_size"`
	TotalChunks    uint32     `json:"total_chunks"`
	ReceivedChunks uint32     `json:"received_chunks"`
	Status         string     `json:"status"`
	ExpiresAt      time.Time  `json:"expires_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}
