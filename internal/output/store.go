package output

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Persister durably keeps the whole window under one logical key. Events are
// passed and returned most-recently-inserted first.
type Persister interface {
	Load(ctx context.Context) ([]Event, error)
	Save(ctx context.Context, window []Event) error
}

type entry struct {
	ev  Event
	seq uint64
}

// Store is the bounded, insertion-ordered window of the most recent events.
// Insert and Snapshot are serialized by one mutex so eviction always sees the
// true prior length.
type Store struct {
	mu       sync.RWMutex
	capacity int
	items    []entry // oldest first
	seq      uint64

	persister      Persister
	persistTimeout time.Duration

	// Saves run on one background goroutine. pending holds only the newest
	// unsaved window, so a slow backend coalesces bursts instead of queueing.
	saveMu     sync.Mutex
	saveCond   *sync.Cond
	pending    []Event
	pendingSeq uint64
	saving     bool
	closed     bool
	saverDone  chan struct{}

	log     *slog.Logger
	metrics *Metrics
	newID   func() string
}

type StoreOption func(*Store)

func WithPersister(p Persister, timeout time.Duration) StoreOption {
	return func(s *Store) {
		s.persister = p
		if timeout > 0 {
			s.persistTimeout = timeout
		}
	}
}

func WithStoreLogger(log *slog.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

func WithStoreMetrics(m *Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

func NewStore(capacity int, opts ...StoreOption) *Store {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	s := &Store{
		capacity:       capacity,
		items:          make([]entry, 0, capacity+1),
		persistTimeout: 5 * time.Second,
		log:            slog.New(slog.DiscardHandler),
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.persister != nil {
		s.saveCond = sync.NewCond(&s.saveMu)
		s.saverDone = make(chan struct{})
		go s.saveLoop()
	}
	return s
}

func (s *Store) Capacity() int { return s.capacity }

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Restore seeds the window from the persister. It is meant to run once at
// startup, before the first Insert. A missing snapshot is not an error.
func (s *Store) Restore(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()

	saved, err := s.persister.Load(ctx)
	if err != nil {
		return &StorageError{Op: "load", Err: err}
	}
	if len(saved) > s.capacity {
		saved = saved[:s.capacity]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = s.items[:0]
	for i := len(saved) - 1; i >= 0; i-- {
		ev := saved[i]
		if ev.ID == "" {
			ev.ID = s.newID()
		}
		s.seq++
		s.items = append(s.items, entry{ev: ev, seq: s.seq})
	}
	s.metrics.setWindow(len(s.items))

	s.log.Info("window_restored", slog.Int("count", len(s.items)))
	return nil
}

// Insert appends ev, evicting the oldest inserted event when over capacity,
// and returns ev with its ID assigned. The store keeps its own copy of
// ev.Data. Persistence is scheduled in the background and its failure is
// logged, never returned.
func (s *Store) Insert(_ context.Context, ev Event) Event {
	s.mu.Lock()
	if ev.ID == "" {
		ev.ID = s.newID()
	}
	s.seq++
	s.items = append(s.items, entry{ev: ev.Clone(), seq: s.seq})

	evicted := 0
	for len(s.items) > s.capacity {
		copy(s.items, s.items[1:])
		s.items = s.items[:len(s.items)-1]
		evicted++
	}

	seq := s.seq
	var window []Event
	if s.persister != nil {
		window = s.newestFirstLocked()
	}
	size := len(s.items)
	s.mu.Unlock()

	s.metrics.observeInsert(size, evicted)

	if window != nil {
		s.schedule(seq, window)
	}
	return ev
}

// Snapshot returns a copy of the window, most recent first by timestamp.
// Events with equal timestamps keep the later-inserted one first.
func (s *Store) Snapshot() []Event {
	s.mu.RLock()
	items := make([]entry, len(s.items))
	copy(items, s.items)
	s.mu.RUnlock()

	sort.SliceStable(items, func(i, j int) bool {
		ti, tj := items[i].ev.Timestamp, items[j].ev.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return items[i].seq > items[j].seq
	})

	out := make([]Event, len(items))
	for i, it := range items {
		out[i] = it.ev.Clone()
	}
	return out
}

func (s *Store) newestFirstLocked() []Event {
	out := make([]Event, len(s.items))
	for i, it := range s.items {
		out[len(s.items)-1-i] = it.ev
	}
	return out
}

// schedule hands window to the save loop, replacing any older window that
// has not been picked up yet.
func (s *Store) schedule(seq uint64, window []Event) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if s.closed || seq <= s.pendingSeq {
		return
	}
	s.pending, s.pendingSeq = window, seq
	s.saveCond.Broadcast()
}

func (s *Store) saveLoop() {
	defer close(s.saverDone)

	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	for {
		for s.pending == nil && !s.closed {
			s.saveCond.Wait()
		}
		if s.pending == nil {
			return
		}
		window := s.pending
		s.pending = nil
		s.saving = true

		s.saveMu.Unlock()
		s.save(window)
		s.saveMu.Lock()

		s.saving = false
		s.saveCond.Broadcast()
	}
}

func (s *Store) save(window []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()

	start := time.Now()
	err := s.persister.Save(ctx, window)
	s.metrics.observeSave(time.Since(start), err)
	if err != nil {
		serr := &StorageError{Op: "save", Err: err}
		s.log.Error("snapshot_save_failed",
			slog.Int("window", len(window)),
			slog.String("err", serr.Error()),
		)
	}
}

// Flush blocks until every window scheduled so far has been handed to the
// persister. Each save is bounded by the persist timeout.
func (s *Store) Flush() {
	if s.persister == nil {
		return
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	for s.pending != nil || s.saving {
		s.saveCond.Wait()
	}
}

// Close saves the last scheduled window and stops the save loop. Inserts
// after Close are kept in memory only.
func (s *Store) Close() {
	if s.persister == nil {
		return
	}
	s.saveMu.Lock()
	s.closed = true
	s.saveCond.Broadcast()
	s.saveMu.Unlock()
	<-s.saverDone
}
