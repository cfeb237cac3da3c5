package staging

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

const (
	metaMagic   = "FPM1"
	metaVersion = uint16(1)
)

// meta is the persisted arrival state for a staging file. It survives
// process restarts so a resumed session does not re-receive chunks that
// already hit disk.
type meta struct {
	Token       string
	FileSize    int64
	ChunkSize   uint32
	TotalChunks uint32
	bitmap      *Bitmap
}

// loadMeta reads arrival state from disk. A meta whose geometry does not
// match the session is treated as stale and rejected by the caller.
func loadMeta(path string) (*meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 4+2 {
		return nil, fmt.Errorf("meta too small")
	}
	if string(data[:4]) != metaMagic {
		return nil, fmt.Errorf("invalid meta magic")
	}
	reader := bytes.NewReader(data[4:])
	var version uint16
	if err := binary.Read(reader, binary.BigEndian, &version); err != nil {
		return nil, err
	}
	if version != metaVersion {
		return nil, fmt.Errorf("unsupported meta version %d", version)
	}
	var chunkSize uint32
	if err := binary.Read(reader, binary.BigEndian, &chunkSize); err != nil {
		return nil, err
	}
	var fileSize uint64
	if err := binary.Read(reader, binary.BigEndian, &fileSize); err != nil {
		return nil, err
	}
	var totalChunks uint32
	if err := binary.Read(reader, binary.BigEndian, &totalChunks); err != nil {
		return nil, err
	}
	var tokenLen uint16
	if err := binary.Read(reader, binary.BigEndian, &tokenLen); err != nil {
		return nil, err
	}
	token := make([]byte, tokenLen)
	if _, err := reader.Read(token); err != nil {
		return nil, err
	}
	var bitmapLen uint32
	if err := binary.Read(reader, binary.BigEndian, &bitmapLen); err != nil {
		return nil, err
	}
	bitmap := make([]byte, bitmapLen)
	if _, err := reader.Read(bitmap); err != nil {
		return nil, err
	}
	var crc uint32
	if err := binary.Read(reader, binary.BigEndian, &crc); err != nil {
		return nil, err
	}
	if checksum := ChecksumChunk(data[:len(data)-4]); checksum != crc {
		return nil, fmt.Errorf("meta checksum mismatch")
	}
	bm, err := BitmapFromBytes(bitmap, int(totalChunks))
	if err != nil {
		return nil, err
	}
	return &meta{
		Token:       string(token),
		FileSize:    int64(fileSize),
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		bitmap:      bm,
	}, nil
}

// flush writes the meta to disk atomically (tmp then rename).
func (m *meta) flush(path string) error {
	buf := new(bytes.Buffer)
	buf.WriteString(metaMagic)
	if err := binary.Write(buf, binary.BigEndian, metaVersion); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, m.ChunkSize); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, uint64(m.FileSize)); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.BigEndian, m.TotalChunks); err != nil {
		return err
	}
	tokenBytes := []byte(m.Token)
	if err := binary.Write(buf, binary.BigEndian, uint16(len(tokenBytes))); err != nil {
		return err
	}
	if _, err := buf.Write(tokenBytes); err != nil {
		return err
	}
	bitmap := m.bitmap.Marshal()
	if err := binary.Write(buf, binary.BigEndian, uint32(len(bitmap))); err != nil {
		return err
	}
	if _, err := buf.Write(bitmap); err != nil {
		return err
	}
	crc := ChecksumChunk(buf.Bytes())
	if err := binary.Write(buf, binary.BigEndian, crc); err != nil {
		return err
	}
	temp := path + ".tmp"
	if err := os.WriteFile(temp, buf.Bytes(), 0644); err != nil {
		return err
	}
	return os.Rename(temp, path)
}
