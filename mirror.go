package redundancy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// MirrorKey is the KV key holding the latest directory snapshot.
const MirrorKey = "directory"

// MirrorBucket returns the KV bucket name a set's directory is mirrored to.
func MirrorBucket(setID string) string {
	return fmt.Sprintf("redundancy_%s_directory", setID)
}

// DirectoryMirror copies directory snapshots to a JetStream KV bucket so
// remote observers can read the redundant server array. Writes are
// coalesced: only the newest pending snapshot is written.
type DirectoryMirror struct {
	setID  string
	js     jetstream.JetStream
	logger *slog.Logger

	kv jetstream.KeyValue

	mu      sync.Mutex
	pending *DirectorySnapshot
	offered bool
	latest  uint64

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDirectoryMirror creates a mirror for setID on js.
func NewDirectoryMirror(setID string, js jetstream.JetStream, logger *slog.Logger) *DirectoryMirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectoryMirror{
		setID:  setID,
		js:     js,
		logger: logger.With("component", "mirror", "set", setID),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Start creates the bucket and starts the writer.
func (m *DirectoryMirror) Start(ctx context.Context) error {
	kv, err := m.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      MirrorBucket(m.setID),
		Description: fmt.Sprintf("Redundancy directory of %s", m.setID),
		History:     5,
	})
	if err != nil {
		return fmt.Errorf("failed to create KV bucket: %w", err)
	}
	m.kv = kv

	m.wg.Add(1)
	go m.run()

	m.logger.Info("directory mirror started", "bucket", MirrorBucket(m.setID))
	return nil
}

// Attach mirrors every change of dir, starting with its current content.
func (m *DirectoryMirror) Attach(dir *Directory) {
	dir.OnChange(m.Offer)
	m.Offer(dir.Snapshot())
}

// Offer queues snap for writing unless a snapshot at least as new was
// already offered.
func (m *DirectoryMirror) Offer(snap DirectorySnapshot) {
	m.mu.Lock()
	if m.offered && snap.Version <= m.latest {
		m.mu.Unlock()
		return
	}
	m.offered = true
	m.latest = snap.Version
	m.pending = &snap
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Stop flushes the pending snapshot and stops the writer.
func (m *DirectoryMirror) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *DirectoryMirror) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.wake:
			m.flush()
		case <-m.stopCh:
			m.flush()
			return
		}
	}
}

func (m *DirectoryMirror) flush() {
	m.mu.Lock()
	snap := m.pending
	m.pending = nil
	m.mu.Unlock()

	if snap == nil {
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		m.logger.Error("failed to marshal directory snapshot", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.kv.Put(ctx, MirrorKey, data); err != nil {
		m.logger.Warn("failed to mirror directory", "version", snap.Version, "error", err)
	}
}

// ReadDirectory returns the latest mirrored snapshot of a set.
func ReadDirectory(ctx context.Context, js jetstream.JetStream, setID string) (DirectorySnapshot, error) {
	kv, err := js.KeyValue(ctx, MirrorBucket(setID))
	if err != nil {
		return DirectorySnapshot{}, fmt.Errorf("failed to open KV bucket: %w", err)
	}

	entry, err := kv.Get(ctx, MirrorKey)
	if err != nil {
		return DirectorySnapshot{}, fmt.Errorf("failed to read directory: %w", err)
	}

	var snap DirectorySnapshot
	if err := json.Unmarshal(entry.Value(), &snap); err != nil {
		return DirectorySnapshot{}, fmt.Errorf("failed to decode directory: %w", err)
	}
	return snap, nil
}
