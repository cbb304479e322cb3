package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/agentplane/agentplane/core/requestplane"
)

// storedMessage is an envelope parked in a stream with its delivery state
type storedMessage struct {
	Seq        uint64    `json:"seq"`
	Envelope   *Envelope `json:"envelope"`
	Deliveries int       `json:"deliveries"`
	AppendedAt time.Time `json:"appendedAt"`
}

// Stream is a single work-queue: appended messages are consumed in order
// and removed on ack. File-backed streams persist in badger under a
// per-stream key prefix; memory streams hold a bounded slice.
type Stream struct {
	name   string
	policy requestplane.StreamPolicy

	db  *badger.DB // nil for memory streams
	mem []*storedMessage

	seq   uint64
	count int64

	// notify wakes the stream's consumer on append
	notify chan struct{}

	mu sync.Mutex
}

// newStream opens a stream, restoring sequence state from badger for
// file-backed streams
func newStream(name string, policy requestplane.StreamPolicy, db *badger.DB) (*Stream, error) {
	s := &Stream{
		name:   name,
		policy: policy,
		notify: make(chan struct{}, 1),
	}
	if !policy.Memory {
		s.db = db
	}

	if s.db != nil {
		if err := s.restore(); err != nil {
			return nil, fmt.Errorf("failed to restore stream %s: %w", name, err)
		}
	}
	return s, nil
}

func (s *Stream) key(seq uint64) []byte {
	return []byte(fmt.Sprintf("s:%s:%020d", s.name, seq))
}

func (s *Stream) prefix() []byte {
	return []byte("s:" + s.name + ":")
}

// restore rebuilds seq and count from persisted messages
func (s *Stream) restore() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := s.prefix()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			s.count++
			var seq uint64
			fmt.Sscanf(string(it.Item().Key()[len(prefix):]), "%020d", &seq)
			if seq > s.seq {
				s.seq = seq
			}
		}
		return nil
	})
}

// Append parks an envelope at the stream tail, enforcing the retention
// policy. Returns the assigned sequence number.
func (s *Stream) Append(env *Envelope) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	msg := &storedMessage{
		Seq:        s.seq,
		Envelope:   env,
		AppendedAt: time.Now(),
	}

	if s.db == nil {
		s.dropExpiredLocked()
		s.mem = append(s.mem, msg)
		s.count++
		for s.policy.MaxMessages > 0 && s.count > s.policy.MaxMessages {
			s.mem = s.mem[1:]
			s.count--
		}
	} else {
		if err := s.putMessage(msg); err != nil {
			s.seq--
			return 0, err
		}
		s.count++
		for s.policy.MaxMessages > 0 && s.count > s.policy.MaxMessages {
			if !s.dropOldestLocked() {
				break
			}
		}
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}

	return msg.Seq, nil
}

func (s *Stream) putMessage(msg *storedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(s.key(msg.Seq), data)
		if s.policy.MaxAge > 0 {
			entry = entry.WithTTL(s.policy.MaxAge)
		}
		return txn.SetEntry(entry)
	})
}

// Peek returns the head message without removing it, or nil when empty
func (s *Stream) Peek() (*storedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		s.dropExpiredLocked()
		if len(s.mem) == 0 {
			return nil, nil
		}
		return s.mem[0], nil
	}

	var msg *storedMessage
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := s.prefix()
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		return it.Item().Value(func(val []byte) error {
			msg = &storedMessage{}
			return json.Unmarshal(val, msg)
		})
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Ack removes a message after successful handling
func (s *Stream) Ack(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(seq)
}

// MarkDelivery persists an incremented delivery count after a failed
// handling attempt
func (s *Stream) MarkDelivery(seq uint64, deliveries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		for _, m := range s.mem {
			if m.Seq == seq {
				m.Deliveries = deliveries
				return nil
			}
		}
		return nil
	}

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(seq))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}

		msg := &storedMessage{}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, msg)
		}); err != nil {
			return err
		}

		msg.Deliveries = deliveries
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		entry := badger.NewEntry(s.key(seq), data)
		if s.policy.MaxAge > 0 {
			ttl := s.policy.MaxAge - time.Since(msg.AppendedAt)
			if ttl <= 0 {
				ttl = time.Second
			}
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Len returns the number of retained messages
func (s *Stream) Len() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		s.dropExpiredLocked()
	}
	return s.count
}

// Messages returns up to max retained messages from the head (admin
// inspection; does not consume)
func (s *Stream) Messages(max int) ([]*storedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		s.dropExpiredLocked()
		n := len(s.mem)
		if n > max {
			n = max
		}
		out := make([]*storedMessage, n)
		copy(out, s.mem[:n])
		return out, nil
	}

	var out []*storedMessage
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := s.prefix()
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(out) < max; it.Next() {
			msg := &storedMessage{}
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, msg)
			}); err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Stream) removeLocked(seq uint64) error {
	if s.db == nil {
		for i, m := range s.mem {
			if m.Seq == seq {
				s.mem = append(s.mem[:i], s.mem[i+1:]...)
				s.count--
				return nil
			}
		}
		return nil
	}

	// Only decrement for a key that is actually present; a repeated ack of
	// the same sequence would otherwise drift the count low
	removed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(s.key(seq)); err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		removed = true
		return txn.Delete(s.key(seq))
	})
	if err != nil {
		return err
	}
	if removed && s.count > 0 {
		s.count--
	}
	return nil
}

// dropOldestLocked removes the head message (retention overflow)
func (s *Stream) dropOldestLocked() bool {
	var seq uint64
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := s.prefix()
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		fmt.Sscanf(string(it.Item().Key()[len(prefix):]), "%020d", &seq)
		found = true
		return nil
	})
	if err != nil || !found {
		return false
	}

	return s.removeLocked(seq) == nil
}

// dropExpiredLocked enforces max-age on memory streams
func (s *Stream) dropExpiredLocked() {
	if s.policy.MaxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.policy.MaxAge)
	for len(s.mem) > 0 && s.mem[0].AppendedAt.Before(cutoff) {
		s.mem = s.mem[1:]
		s.count--
	}
}
