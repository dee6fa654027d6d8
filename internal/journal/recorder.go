package journal

import (
	"context"
	"sync"
	"time"

	"playgrid/syncd/internal/bus"
	"playgrid/syncd/internal/logging"
)

// keyframeEvery controls how many state versions pass between snapshots.
const keyframeEvery = 10

// SnapshotFunc captures the current full state of a room. version must match
// the snapshot's version so keyframes line up with the event log.
type SnapshotFunc func(ctx context.Context, roomID string) (payload []byte, version uint64, err error)

// Recorder tails the bus and journals every room event, interleaving state
// keyframes on a version cadence.
type Recorder struct {
	mu       sync.Mutex
	root     string
	snapshot SnapshotFunc
	log      *logging.Logger
	now      func() time.Time
	writers  map[string]*Writer
	lastKey  map[string]uint64
}

// NewRecorder constructs a recorder rooted at dir.
func NewRecorder(dir string, snapshot SnapshotFunc, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.L()
	}
	return &Recorder{
		root:     dir,
		snapshot: snapshot,
		log:      logger,
		now:      time.Now,
		writers:  make(map[string]*Writer),
		lastKey:  make(map[string]uint64),
	}
}

// Run consumes the subscription until the context is cancelled.
func (r *Recorder) Run(ctx context.Context, sub bus.Subscription) {
	if r == nil || sub == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			r.record(ctx, event)
			if err := sub.Ack(event.Sequence); err != nil {
				r.log.Warn("journal ack failed", logging.Error(err))
			}
		}
	}
}

func (r *Recorder) record(ctx context.Context, event *bus.Event) {
	if event == nil || event.RoomID == "" {
		return
	}
	writer, err := r.writerFor(event.RoomID)
	if err != nil {
		r.log.Warn("journal open failed", logging.Error(err), logging.String("room_id", event.RoomID))
		return
	}
	if err := writer.AppendEvent(event.Sequence, string(event.Kind), event.Payload); err != nil {
		r.log.Warn("journal append failed", logging.Error(err), logging.String("room_id", event.RoomID))
		return
	}
	if event.Kind == bus.KindGameState && r.snapshot != nil {
		r.maybeKeyframe(ctx, event.RoomID, writer)
	}
}

func (r *Recorder) maybeKeyframe(ctx context.Context, roomID string, writer *Writer) {
	payload, version, err := r.snapshot(ctx, roomID)
	if err != nil {
		return
	}
	r.mu.Lock()
	last := r.lastKey[roomID]
	due := version == 0 || version >= last+keyframeEvery
	if due {
		r.lastKey[roomID] = version
	}
	r.mu.Unlock()
	if !due {
		return
	}
	//1.- Keyframes bound how much of the event log a replay must walk.
	if err := writer.AppendKeyframe(version, payload); err != nil {
		r.log.Warn("journal keyframe failed", logging.Error(err), logging.String("room_id", roomID))
	}
}

// Directory reports the journal bundle directory for a room, if one is open.
func (r *Recorder) Directory(roomID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if writer, ok := r.writers[roomID]; ok {
		return writer.Directory()
	}
	return ""
}

// CloseRoom flushes and closes the room's journal, typically when the room
// finishes or empties.
func (r *Recorder) CloseRoom(roomID string) error {
	r.mu.Lock()
	writer, ok := r.writers[roomID]
	if ok {
		delete(r.writers, roomID)
		delete(r.lastKey, roomID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return writer.Close()
}

// FlushAll forces every open journal's buffered events to disk and reports
// the journal root directory.
func (r *Recorder) FlushAll() (string, error) {
	r.mu.Lock()
	writers := make([]*Writer, 0, len(r.writers))
	for _, writer := range r.writers {
		writers = append(writers, writer)
	}
	r.mu.Unlock()

	var firstErr error
	for _, writer := range writers {
		if err := writer.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return r.root, firstErr
}

// Close flushes and closes every open journal.
func (r *Recorder) Close() error {
	r.mu.Lock()
	writers := make([]*Writer, 0, len(r.writers))
	for roomID, writer := range r.writers {
		writers = append(writers, writer)
		delete(r.writers, roomID)
	}
	r.mu.Unlock()

	var firstErr error
	for _, writer := range writers {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Recorder) writerFor(roomID string) (*Writer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if writer, ok := r.writers[roomID]; ok {
		return writer, nil
	}
	writer, _, err := NewWriter(r.root, roomID, r.now)
	if err != nil {
		return nil, err
	}
	r.writers[roomID] = writer
	return writer, nil
}
