package protocol

// Message type constants for the duplex upload channel.
const (
	// Client to server.
	TypeChunk  = "chunk"
	TypeCancel = "cancel"

	// Server to client.
	TypeSessionInfo     = "session_info"
	TypeProgress        = "progress"
	TypeUploadComplete  = "upload_complete"
	TypeUploadCancelled = "upload_cancelled"
	TypeError           = "error"
)
