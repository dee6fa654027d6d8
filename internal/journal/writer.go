// Package journal persists per-room event journals to disk: a compressed
// JSONL stream of room events plus periodic full-state keyframes, bundled
// with a manifest so offline tooling can replay a room.
package journal

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var roomNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// keyframeBatch bounds how many keyframes are staged before hitting disk.
const keyframeBatch = 4

type keyframeBlob struct {
	Version    uint64
	CapturedAt time.Time
	Payload    []byte
}

// Writer streams one room's journal to disk. Events go to a snappy-framed
// JSONL file, keyframes to a length-prefixed zstd stream.
type Writer struct {
	mu             sync.Mutex
	dir            string
	now            func() time.Time
	eventFile      *os.File
	eventStream    *snappy.Writer
	keyframeFile   *os.File
	keyframeStream *zstd.Encoder
	pending        []keyframeBlob
}

// Manifest describes the journal bundle layout.
type Manifest struct {
	Version       int    `json:"version"`
	RoomID        string `json:"room_id"`
	CreatedAt     string `json:"created_at"`
	EventsPath    string `json:"events_path"`
	KeyframesPath string `json:"keyframes_path"`
}

// NewWriter prepares the journal directory for the room and opens the
// compressed sinks.
func NewWriter(root, roomID string, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("journal root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := roomNameCleaner.ReplaceAllString(roomID, "")
	if cleaned == "" {
		cleaned = "room"
	}
	created := clock().UTC()
	folder := fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z"))
	path := filepath.Join(root, folder)

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventsPath := filepath.Join(path, "events.jsonl.sz")
	keyframesPath := filepath.Join(path, "keyframes.bin.zst")
	manifestPath := filepath.Join(path, "manifest.json")

	eventFile, err := os.Create(eventsPath)
	if err != nil {
		return nil, Manifest{}, err
	}
	eventStream := snappy.NewBufferedWriter(eventFile)

	keyframeFile, err := os.Create(keyframesPath)
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	keyframeStream, err := zstd.NewWriter(keyframeFile)
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		keyframeFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:       1,
		RoomID:        roomID,
		CreatedAt:     created.Format(time.RFC3339Nano),
		EventsPath:    "events.jsonl.sz",
		KeyframesPath: "keyframes.bin.zst",
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(manifestPath, data, 0o644)
	}
	if err != nil {
		keyframeStream.Close()
		keyframeFile.Close()
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}

	w := &Writer{
		dir:            path,
		now:            clock,
		eventFile:      eventFile,
		eventStream:    eventStream,
		keyframeFile:   keyframeFile,
		keyframeStream: keyframeStream,
	}
	return w, manifest, nil
}

// Directory exposes the directory backing the journal bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// AppendEvent writes one JSON line to the compressed event log.
func (w *Writer) AppendEvent(sequence uint64, kind string, payload []byte) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()

	//1.- Payloads are base64-wrapped so the JSONL stream stays line-safe.
	record := struct {
		Sequence   uint64 `json:"sequence"`
		CapturedAt string `json:"captured_at"`
		Kind       string `json:"kind"`
		PayloadB64 string `json:"payload_b64"`
	}{
		Sequence:   sequence,
		CapturedAt: captured.Format(time.RFC3339Nano),
		Kind:       kind,
		PayloadB64: base64.StdEncoding.EncodeToString(payload),
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := w.eventStream.Write(line); err != nil {
		return err
	}
	if _, err := w.eventStream.Write([]byte("\n")); err != nil {
		return err
	}
	return w.eventStream.Flush()
}

// AppendKeyframe stages a full-state snapshot; batches flush together.
func (w *Writer) AppendKeyframe(version uint64, payload []byte) error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	captured := w.now().UTC()
	clone := append([]byte(nil), payload...)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, keyframeBlob{Version: version, CapturedAt: captured, Payload: clone})
	if len(w.pending) >= keyframeBatch {
		return w.flushLocked()
	}
	return nil
}

// Flush forces staged keyframes to disk regardless of batch size.
func (w *Writer) Flush() error {
	if w == nil {
		return fmt.Errorf("writer not initialised")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Close flushes all buffers and releases file handles.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	if err := w.flushLocked(); err != nil {
		firstErr = err
	}
	if err := w.eventStream.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.keyframeStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.keyframeFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// flushLocked writes staged keyframes length-prefixed; callers hold the mutex.
func (w *Writer) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}
	for _, frame := range w.pending {
		header := make([]byte, 8+8+4)
		binary.LittleEndian.PutUint64(header[0:8], frame.Version)
		binary.LittleEndian.PutUint64(header[8:16], uint64(frame.CapturedAt.UnixNano()))
		binary.LittleEndian.PutUint32(header[16:20], uint32(len(frame.Payload)))
		if _, err := w.keyframeStream.Write(header); err != nil {
			return err
		}
		if _, err := w.keyframeStream.Write(frame.Payload); err != nil {
			return err
		}
	}
	w.pending = w.pending[:0]
	return nil
}
