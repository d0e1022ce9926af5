package sync

import (
	"log/slog"
	"sync"
	"time"

	"txflow/internal/epoch"
	"txflow/internal/txflow"
)

const (
	// defaultSnapshotInterval is the default interval between snapshots.
	defaultSnapshotInterval = 10 * time.Second
)

// MessageSource lists admitted messages, parents first.
type MessageSource interface {
	Messages() []*txflow.Message
	Len() int
}

// CertificateSource lists finality certificates.
type CertificateSource interface {
	Certificates() []*epoch.Certificate
}

// SnapshotManager keeps a compressed snapshot of the DAG and its
// certificates, rebuilt periodically when either has grown.
type SnapshotManager struct {
	msgs     MessageSource
	certs    CertificateSource
	interval time.Duration
	log      *slog.Logger

	mu        sync.RWMutex
	current   []byte // compressed snapshot data
	size      uint64 // uncompressed size of current
	messages  int    // message count of current
	certCount int    // certificate count of current

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSnapshotManager creates a manager. A zero interval uses the default.
func NewSnapshotManager(msgs MessageSource, certs CertificateSource, interval time.Duration, log *slog.Logger) *SnapshotManager {
	if interval <= 0 {
		interval = defaultSnapshotInterval
	}

	if log == nil {
		log = slog.Default()
	}

	return &SnapshotManager{
		msgs:     msgs,
		certs:    certs,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
	}
}

// Start begins the periodic snapshot loop.
func (m *SnapshotManager) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop stops the loop and waits for it to finish. Safe to call twice.
func (m *SnapshotManager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// Latest returns the most recent compressed snapshot and its uncompressed
// size. Returns nil if no snapshot has been built yet.
func (m *SnapshotManager) Latest() (data []byte, size uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.current, m.size
}

// loop rebuilds the snapshot every interval.
func (m *SnapshotManager) loop() {
	defer m.wg.Done()

	m.Refresh()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Refresh()
		}
	}
}

// Refresh rebuilds the snapshot unless nothing was admitted or finalized
// since the last one.
func (m *SnapshotManager) Refresh() {
	certs := m.certs.Certificates()
	count := m.msgs.Len()

	m.mu.RLock()
	unchanged := m.current != nil && count == m.messages && len(certs) == m.certCount
	m.mu.RUnlock()

	if unchanged {
		return
	}

	msgs := m.msgs.Messages()
	data := CreateSnapshot(msgs, certs)

	compressed, err := CompressSnapshot(data)
	if err != nil {
		m.log.Error("compress snapshot", "error", err)
		return
	}

	m.mu.Lock()
	m.current = compressed
	m.size = uint64(len(data))
	m.messages = len(msgs)
	m.certCount = len(certs)
	m.mu.Unlock()

	m.log.Debug("snapshot created",
		"messages", len(msgs),
		"certificates", len(certs),
		"size", len(data),
		"compressed", len(compressed),
	)
}
