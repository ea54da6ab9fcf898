// Package telem keeps a bounded in-RAM history of monitoring events and
// optionally journals them to a bbolt database so transition history
// survives daemon restarts.
package telem

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tunnelworks/underlay/pkg"
)

var eventsBucket = []byte("events")

// Store is a thread-safe ring buffer of events with an optional journal.
type Store struct {
	mu sync.RWMutex

	events   []*pkg.Event
	capacity int
	head     int
	size     int

	db  *bolt.DB
	seq uint64

	// Callback for real-time publishing (MQTT, websockets, ...).
	eventCallback func(*pkg.Event)
}

// NewStore creates a store holding up to capacity events in RAM. A
// non-empty journalPath additionally persists events to bbolt.
func NewStore(capacity int, journalPath string) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("telemetry capacity must be positive, got %d", capacity)
	}
	s := &Store{
		events:   make([]*pkg.Event, capacity),
		capacity: capacity,
	}
	if journalPath != "" {
		db, err := bolt.Open(journalPath, 0o644, &bolt.Options{Timeout: 2 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("open event journal %s: %w", journalPath, err)
		}
		if err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(eventsBucket)
			return err
		}); err != nil {
			db.Close()
			return nil, fmt.Errorf("create event journal bucket: %w", err)
		}
		s.db = db
	}
	return s, nil
}

// SetEventCallback registers a callback invoked for every added event.
func (s *Store) SetEventCallback(fn func(*pkg.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventCallback = fn
}

// AddEvent records an event, journals it when a journal is configured, and
// invokes the event callback.
func (s *Store) AddEvent(ev *pkg.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.events[s.head] = ev
	s.head = (s.head + 1) % s.capacity
	if s.size < s.capacity {
		s.size++
	}
	s.seq++
	seq := s.seq
	cb := s.eventCallback
	db := s.db
	s.mu.Unlock()

	if db != nil {
		// Journal failures degrade persistence, never monitoring.
		_ = s.journal(seq, ev)
	}
	if cb != nil {
		cb(ev)
	}
}

func (s *Store) journal(seq uint64, ev *pkg.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return tx.Bucket(eventsBucket).Put(key, payload)
	})
}

// RecentEvents returns up to n most recent events, newest first. n <= 0
// returns everything held in RAM.
func (s *Store) RecentEvents(n int) []*pkg.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > s.size {
		n = s.size
	}
	out := make([]*pkg.Event, 0, n)
	for i := 0; i < n; i++ {
		idx := (s.head - 1 - i + s.capacity*2) % s.capacity
		out = append(out, s.events[idx])
	}
	return out
}

// Len returns the number of events held in RAM.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// JournaledEvents loads all persisted events from the journal, oldest
// first. Returns nil when no journal is configured.
func (s *Store) JournaledEvents() ([]*pkg.Event, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return nil, nil
	}

	var out []*pkg.Event
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(eventsBucket).ForEach(func(_, v []byte) error {
			var ev pkg.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, &ev)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read event journal: %w", err)
	}
	return out, nil
}

// Close releases the journal.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}
