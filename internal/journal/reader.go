package journal

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// EventRecord is one decoded line of the event log.
type EventRecord struct {
	Sequence   uint64    `json:"sequence"`
	CapturedAt time.Time `json:"captured_at"`
	Kind       string    `json:"kind"`
	Payload    []byte    `json:"payload"`
}

// Keyframe is one decoded state snapshot.
type Keyframe struct {
	Version    uint64
	CapturedAt time.Time
	Payload    []byte
}

// ReadEvents decodes the full event log of a journal bundle.
func ReadEvents(dir string) ([]EventRecord, error) {
	file, err := os.Open(filepath.Join(dir, "events.jsonl.sz"))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var records []EventRecord
	for scanner.Scan() {
		var line struct {
			Sequence   uint64 `json:"sequence"`
			CapturedAt string `json:"captured_at"`
			Kind       string `json:"kind"`
			PayloadB64 string `json:"payload_b64"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, err
		}
		captured, err := time.Parse(time.RFC3339Nano, line.CapturedAt)
		if err != nil {
			return nil, err
		}
		payload, err := base64.StdEncoding.DecodeString(line.PayloadB64)
		if err != nil {
			return nil, err
		}
		records = append(records, EventRecord{
			Sequence:   line.Sequence,
			CapturedAt: captured,
			Kind:       line.Kind,
			Payload:    payload,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// ReadKeyframes decodes the keyframe stream of a journal bundle.
func ReadKeyframes(dir string) ([]Keyframe, error) {
	file, err := os.Open(filepath.Join(dir, "keyframes.bin.zst"))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	var frames []Keyframe
	header := make([]byte, 8+8+4)
	for {
		if _, err := io.ReadFull(decoder, header); err != nil {
			if err == io.EOF {
				return frames, nil
			}
			return nil, err
		}
		length := binary.LittleEndian.Uint32(header[16:20])
		payload := make([]byte, length)
		if _, err := io.ReadFull(decoder, payload); err != nil {
			return nil, err
		}
		frames = append(frames, Keyframe{
			Version:    binary.LittleEndian.Uint64(header[0:8]),
			CapturedAt: time.Unix(0, int64(binary.LittleEndian.Uint64(header[8:16]))).UTC(),
			Payload:    payload,
		})
	}
}
