package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenDeviceProxy/internal/metrics"
	"github.com/KevinKickass/OpenDeviceProxy/internal/types"
)

// Sink receives copies of appended entries for long-term storage. The slice is
// reused after ArchiveEntries returns.
type Sink interface {
	ArchiveEntries(ctx context.Context, entries []Entry) error
}

// Archive reads back what a Sink stored, including entries evicted from memory.
type Archive interface {
	ArchivedEntries(ctx context.Context, id types.DeviceID, c Category, count int) ([]Entry, error)
}

const (
	archiveBatchSize = 256
	archiveFlush     = 500 * time.Millisecond
	archiveTimeout   = 5 * time.Second
)

type logKey struct {
	device   types.DeviceID
	category Category
}

// Store keeps one independent log per (device, category).
type Store struct {
	mu       sync.RWMutex
	logs     map[logKey]*deviceLog
	policies map[Category]RetentionPolicy

	sink     Sink
	queue    chan Entry
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	runMu    sync.Mutex

	logger  *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Store)

// WithSink archives every appended entry through sink, buffering up to queueSize entries.
func WithSink(sink Sink, queueSize int) Option {
	return func(s *Store) {
		if queueSize <= 0 {
			queueSize = archiveBatchSize
		}
		s.sink = sink
		s.queue = make(chan Entry, queueSize)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithPolicy sets the initial retention of one category.
func WithPolicy(c Category, p RetentionPolicy) Option {
	return func(s *Store) { s.policies[c] = p }
}

func NewStore(logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		logs:     make(map[logKey]*deviceLog),
		policies: make(map[Category]RetentionPolicy),
		stopChan: make(chan struct{}),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) logFor(id types.DeviceID, c Category, create bool) *deviceLog {
	key := logKey{id, c}

	s.mu.RLock()
	l, ok := s.logs[key]
	s.mu.RUnlock()
	if ok || !create {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.logs[key]; !ok {
		l = &deviceLog{}
		s.logs[key] = l
	}
	return l
}

// Append records an entry and returns it with its sequence number filled in. It never
// blocks on I/O; the bool is false when the entry could not be kept, which is logged
// and otherwise ignored.
func (s *Store) Append(id types.DeviceID, c Category, e Entry) (Entry, bool) {
	if !c.valid() {
		s.logger.Warn("History append with unknown category dropped",
			zap.String("device", id.Hex()),
			zap.Int("category", int(c)))
		s.metrics.HistoryDropped("invalid_category")
		return e, false
	}

	e.Device = id
	e.Category = c
	e.Payload = append([]byte(nil), e.Payload...)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ID == uuid.Nil {
		if v7, err := uuid.NewV7(); err == nil {
			e.ID = v7
		} else {
			e.ID = uuid.New()
		}
	}

	// The policy is read under the log's lock so a concurrent SetPolicy either
	// applies to this append or shrinks the log right after it
	l := s.logFor(id, c, true)
	stored, kept, evicted, policy := l.append(e, func() RetentionPolicy { return s.Policy(c) })
	s.metrics.HistoryAppended(c.String())
	s.metrics.HistoryEvicted(c.String(), evicted)

	if !kept {
		s.logger.Warn("History entry larger than retention bound, not kept",
			zap.String("device", id.Hex()),
			zap.String("category", c.String()),
			zap.String("path", e.Path),
			zap.Int64("size", e.Size()),
			zap.Int64("max_bytes", policy.MaxBytes))
		s.metrics.HistoryDropped("oversized")
	}

	s.offer(stored)
	return stored, kept
}

func (s *Store) offer(e Entry) {
	if s.queue == nil {
		return
	}
	select {
	case s.queue <- e:
	default:
		s.metrics.HistoryDropped("archive_queue_full")
		s.logger.Warn("History archive queue full, entry not archived",
			zap.String("device", e.Device.Hex()),
			zap.String("category", e.Category.String()),
			zap.Uint64("seq", e.Seq))
	}
}

// QueryRecent returns up to count newest entries, oldest first. count <= 0 returns all.
func (s *Store) QueryRecent(id types.DeviceID, c Category, count int) []Entry {
	l := s.logFor(id, c, false)
	if l == nil {
		return []Entry{}
	}
	return l.recent(count)
}

// QueryRange returns entries with from <= seq <= to that are still retained.
func (s *Store) QueryRange(id types.DeviceID, c Category, from, to uint64) []Entry {
	l := s.logFor(id, c, false)
	if l == nil {
		return []Entry{}
	}
	return l.rangeSeq(from, to)
}

// QueryAnchored pages from an anchor sequence number, excluding the anchor itself.
func (s *Store) QueryAnchored(id types.DeviceID, c Category, anchor uint64, count int, dir Direction) []Entry {
	l := s.logFor(id, c, false)
	if l == nil {
		return []Entry{}
	}
	return l.anchored(anchor, count, dir)
}

// Find locates a retained entry by its id.
func (s *Store) Find(id types.DeviceID, c Category, entryID uuid.UUID) (Entry, bool) {
	for _, e := range s.QueryRecent(id, c, 0) {
		if e.ID == entryID {
			return e, true
		}
	}
	return Entry{}, false
}

func (s *Store) Policy(c Category) RetentionPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policies[c]
}

// SetPolicy changes retention for a category. Tightening evicts immediately.
func (s *Store) SetPolicy(c Category, p RetentionPolicy) {
	s.mu.Lock()
	old := s.policies[c]
	s.policies[c] = p
	var affected []*deviceLog
	for k, l := range s.logs {
		if k.category == c {
			affected = append(affected, l)
		}
	}
	s.mu.Unlock()

	if p.Bounded() && (!old.Bounded() || p.MaxBytes < old.MaxBytes) {
		total := 0
		for _, l := range affected {
			total += l.shrink(p)
		}
		s.metrics.HistoryEvicted(c.String(), total)
		s.logger.Warn("History retention tightened, older entries discarded",
			zap.String("category", c.String()),
			zap.String("from", old.String()),
			zap.String("to", p.String()),
			zap.Int("evicted", total))
	}
}

func (s *Store) Stats(id types.DeviceID) map[Category]LogStats {
	out := make(map[Category]LogStats, len(Categories))
	for _, c := range Categories {
		if l := s.logFor(id, c, false); l != nil {
			out[c] = l.stats()
		}
	}
	return out
}

// Start runs the archive writer if a sink is configured.
func (s *Store) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.sink == nil || s.running {
		return
	}
	s.running = true
	s.wg.Add(1)
	go s.archiveLoop()
	s.logger.Info("History archive started", zap.Int("queue_size", cap(s.queue)))
}

// Stop flushes what is queued and stops the archive writer.
func (s *Store) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	s.runMu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("History archive stopped")
}

func (s *Store) archiveLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(archiveFlush)
	defer ticker.Stop()

	batch := make([]Entry, 0, archiveBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		err := s.sink.ArchiveEntries(ctx, batch)
		cancel()
		s.metrics.ArchiveWrite(err == nil)
		if err != nil {
			s.logger.Warn("Failed to archive history batch",
				zap.Int("entries", len(batch)),
				zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-s.stopChan:
			for {
				select {
				case e := <-s.queue:
					batch = append(batch, e)
					if len(batch) == archiveBatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) == archiveBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
