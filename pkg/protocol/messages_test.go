package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeClientMessage_Chunk(t *testing.T) {
	payload := []byte("hello chunk")
	raw := []byte(`{"type":"chunk","chunk_index":3,"chunk_data":"` + EncodeChunkData(payload) + `"}`)

	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage: %v", err)
	}
	if msg.Type != TypeChunk {
		t.Errorf("Type = %q, want %q", msg.Type, TypeChunk)
	}
	if msg.ChunkIndex != 3 {
		t.Errorf("ChunkIndex = %d, want 3", msg.ChunkIndex)
	}

	dst := make([]byte, msg.DecodedChunkLen())
	n, err := msg.DecodeChunkData(dst)
	if err != nil {
		t.Fatalf("DecodeChunkData: %v", err)
	}
	if string(dst[:n]) != string(payload) {
		t.Errorf("decoded = %q, want %q", dst[:n], payload)
	}
}

func TestDecodeClientMessage_Cancel(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"cancel"}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage: %v", err)
	}
	if msg.Type != TypeCancel {
		t.Errorf("Type = %q, want %q", msg.Type, TypeCancel)
	}
}

func TestDecodeClientMessage_UnknownKind(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"resize","width":640}`))
	if !errors.Is(err, ErrUnknownMessageKind) {
		t.Fatalf("err = %v, want ErrUnknownMessageKind", err)
	}
}

func TestDecodeClientMessage_Malformed(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"chunk"`))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	if errors.Is(err, ErrUnknownMessageKind) {
		t.Fatal("malformed JSON should not be reported as unknown kind")
	}
}

func TestDecodeClientMessage_ChunkWithoutData(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"chunk","chunk_index":0}`))
	if err == nil {
		t.Fatal("expected error for chunk without data")
	}
}

func TestServerMessage_RoundTrip(t *testing.T) {
	out := NewProgress(Progress{
		Progress:       0.5,
		ChunkIndex:     4,
		ReceivedChunks: 5,
		TotalChunks:    10,
	})
	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"type":"progress"`) {
		t.Errorf("missing type field: %s", raw)
	}

	var in InboundServerMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var p Progress
	if err := in.DecodeData(&p); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if p.ReceivedChunks != 5 || p.TotalChunks != 10 {
		t.Errorf("payload = %+v", p)
	}
}

func TestNewError_OmitsData(t *testing.T) {
	raw, err := json.Marshal(NewError("session expired"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "data") {
		t.Errorf("error message should omit data: %s", raw)
	}
	if !strings.Contains(string(raw), "session expired") {
		t.Errorf("missing message: %s", raw)
	}
}
