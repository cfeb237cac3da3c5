package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownMessageKind indicates a well-formed message with an
// unrecognized type field. The connection is kept open; only the
// message is rejected.
var ErrUnknownMessageKind = errors.New("unknown message kind")

// ClientMessage is a message received on the upload channel.
// Exactly one kind is populated, discriminated by Type.
type ClientMessage struct {
	Type       string `json:"type"`
	ChunkIndex uint32 `json:"chunk_index,omitempty"`
	ChunkData  string `json:"chunk_data,omitempty"`
	// ChunkCRC32C is an optional Castagnoli checksum of the decoded
	// chunk bytes. When present it is verified before any write.
	ChunkCRC32C *uint32 `json:"chunk_crc32c,omitempty"`
}

// DecodeClientMessage parses a raw channel message.
// Malformed JSON is reported as-is so callers can count it against
// the malformed-message threshold; an unknown type is reported as
// ErrUnknownMessageKind.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("unmarshal message: %w", err)
	}
	switch msg.Type {
	case TypeChunk:
		if msg.ChunkData == "" {
			return ClientMessage{}, errors.New("chunk_data is required")
		}
	case TypeCancel:
	default:
		return ClientMessage{}, fmt.Errorf("%w: %q", ErrUnknownMessageKind, msg.Type)
	}
	return msg, nil
}

// DecodeChunkData decodes the base64 chunk payload into dst, which must
// be at least DecodedChunkLen(msg) bytes. Returns the decoded length.
func (m ClientMessage) DecodeChunkData(dst []byte) (int, error) {
	n, err := base64.StdEncoding.Decode(dst, []byte(m.ChunkData))
	if err != nil {
		return 0, fmt.Errorf("decode chunk_data: %w", err)
	}
	return n, nil
}

// DecodedChunkLen returns the maximum decoded size of the chunk payload.
func (m ClientMessage) DecodedChunkLen() int {
	return base64.StdEncoding.DecodedLen(len(m.ChunkData))
}

// EncodeChunkData encodes raw chunk bytes for a text transport.
func EncodeChunkData(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// ServerMessage is a message written back on the upload channel.
type ServerMessage struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// SessionInfo is sent once when a connection binds to a session.
// ReceivedBitmap carries the arrival bitmap so a resuming client can
// skip chunks the server already holds.
type SessionInfo struct {
	SessionID      string `json:"session_id"`
	Filename       string `json:"filename"`
	FileSize       int64  `json:"file_size"`
	ChunkSize      uint32 `json:"chunk_size"`
	TotalChunks    uint32 `json:"total_chunks"`
	ReceivedChunks uint32 `json:"received_chunks"`
	ReceivedBitmap string `json:"received_bitmap,omitempty"`
}

// Progress is emitted after every successful chunk write. Delivery is
// advisory: the multiplexer may drop progress messages under backpressure.
type Progress struct {
	Progress       float64 `json:"progress"`
	ChunkIndex     uint32  `json:"chunk_index"`
	ReceivedChunks uint32  `json:"received_chunks"`
	TotalChunks    uint32  `json:"total_chunks"`
}

// UploadComplete is delivered exactly once per session.
type UploadComplete struct {
	VideoID  string `json:"video_id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// NewSessionInfo wraps a SessionInfo payload.
func NewSessionInfo(info SessionInfo) ServerMessage {
	return ServerMessage{Type: TypeSessionInfo, Data: info}
}

// NewProgress wraps a Progress payload.
func NewProgress(p Progress) ServerMessage {
	return ServerMessage{Type: TypeProgress, Data: p}
}

// NewUploadComplete wraps an UploadComplete payload.
func NewUploadComplete(c UploadComplete) ServerMessage {
	return ServerMessage{Type: TypeUploadComplete, Data: c}
}

// NewUploadCancelled reports a processed cancel back to the client.
func NewUploadCancelled() ServerMessage {
	return ServerMessage{Type: TypeUploadCancelled, Message: "upload cancelled"}
}

// NewError reports a per-message failure without tearing down the
// connection.
func NewError(message string) ServerMessage {
	return ServerMessage{Type: TypeError, Message: message}
}

// InboundServerMessage is the client-side view of a server message,
// with the payload left raw until the type is known.
type InboundServerMessage struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// DecodeData unmarshals the raw payload into out.
func (m InboundServerMessage) DecodeData(out any) error {
	if len(m.Data) == 0 {
		return errors.New("data is empty")
	}
	if err := json.Unmarshal(m.Data, out); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	return nil
}
