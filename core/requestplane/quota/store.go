package quota

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/agentplane/agentplane/core/requestplane"
)

// ReservationState tracks a reservation through its lifecycle
type ReservationState string

const (
	ReservationPending   ReservationState = "pending"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// Reservation is a pending, not-yet-committed quota consumption with a TTL
type Reservation struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenantId"`
	Resource    string           `json:"resource"`
	Amount      int64            `json:"amount"`
	Period      Period           `json:"period"`
	PeriodStart time.Time        `json:"periodStart"`
	State       ReservationState `json:"state"`
	// Unlimited reservations skip the counter (no effective limit) but are
	// still tracked so Commit can meter usage
	Unlimited bool      `json:"unlimited"`
	Created   time.Time `json:"created"`
	Expiry    time.Time `json:"expiry"`
}

// Key prefixes for the quota store
const (
	keyPrefixCounter     = "counter:"
	keyPrefixReservation = "resv:"
	keyPrefixExpiry      = "resv_exp:"
)

// terminalRecordTTL keeps committed/released reservations around long
// enough for idempotent replays from the bus
const terminalRecordTTL = 24 * time.Hour

// conflictRetries bounds optimistic transaction retries under contention
const conflictRetries = 16

// Store persists quota counters and reservations in BadgerDB. Conditional
// increments run inside a single serializable transaction, so two
// concurrent reservations for the last unit of quota cannot both succeed.
type Store struct {
	db *badger.DB
}

// NewStore opens the quota store under dataDir
func NewStore(dataDir string) (*Store, error) {
	opts := badger.DefaultOptions(filepath.Join(dataDir, "quota"))
	opts.Logger = nil
	opts.NumVersionsToKeep = 1
	opts.CompactL0OnClose = true
	opts.ValueLogFileSize = 64 << 20

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open quota store: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreInMemory opens an in-memory store (tests)
func NewStoreInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func counterKey(tenantID, resource string, periodStart time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%d", keyPrefixCounter, tenantID, resource, periodStart.Unix()))
}

func reservationKey(id string) []byte {
	return []byte(keyPrefixReservation + id)
}

func expiryKey(expiry time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", keyPrefixExpiry, expiry.UnixNano(), id))
}

// ReserveIncr atomically checks consumed+amount <= limit, increments the
// counter and records the pending reservation. A limit < 0 means unlimited:
// the counter still advances so usage remains observable.
// Returns the post-increment consumed value and whether the reserve fit.
func (s *Store) ReserveIncr(resv *Reservation, limit int64) (int64, bool, error) {
	var consumed int64
	var ok bool

	err := s.withRetry(func(txn *badger.Txn) error {
		consumed = 0
		ok = false

		key := counterKey(resv.TenantID, resv.Resource, resv.PeriodStart)
		item, err := txn.Get(key)
		if err == nil {
			if verr := item.Value(func(val []byte) error {
				consumed, _ = strconv.ParseInt(string(val), 10, 64)
				return nil
			}); verr != nil {
				return verr
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if limit >= 0 && consumed+resv.Amount > limit {
			// Denied; leave the counter untouched
			return nil
		}

		consumed += resv.Amount
		ok = true

		// Counter entries expire shortly after their period so consumption
		// resets at period_end without an explicit sweep
		counterTTL := time.Until(resv.Period.End(resv.PeriodStart)) + time.Hour
		entry := badger.NewEntry(key, []byte(strconv.FormatInt(consumed, 10))).WithTTL(counterTTL)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}

		resvJSON, err := marshalReservation(resv)
		if err != nil {
			return err
		}
		if err := txn.Set(reservationKey(resv.ID), resvJSON); err != nil {
			return err
		}
		return txn.Set(expiryKey(resv.Expiry, resv.ID), []byte(resv.ID))
	})
	if err != nil {
		return 0, false, err
	}

	return consumed, ok, nil
}

// Commit transitions a pending reservation to committed. The counter was
// already advanced at reserve time. Returns the reservation and whether
// this call performed the transition (false = idempotent replay).
func (s *Store) Commit(reservationID string, now time.Time) (*Reservation, bool, error) {
	var resv *Reservation
	var transitioned bool

	err := s.withRetry(func(txn *badger.Txn) error {
		transitioned = false

		var err error
		resv, err = getReservation(txn, reservationID)
		if err != nil {
			return err
		}

		switch resv.State {
		case ReservationCommitted:
			return nil // idempotent
		case ReservationReleased:
			return requestplane.ErrReservationExpired
		}

		if now.After(resv.Expiry) {
			// The sweeper hasn't caught it yet; treat as auto-released
			if err := releaseInTxn(txn, resv); err != nil {
				return err
			}
			return requestplane.ErrReservationExpired
		}

		resv.State = ReservationCommitted
		resvJSON, err := marshalReservation(resv)
		if err != nil {
			return err
		}
		entry := badger.NewEntry(reservationKey(resv.ID), resvJSON).WithTTL(terminalRecordTTL)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		if err := txn.Delete(expiryKey(resv.Expiry, resv.ID)); err != nil {
			return err
		}

		transitioned = true
		return nil
	})
	if err != nil {
		return resv, false, err
	}

	return resv, transitioned, nil
}

// Release returns a pending reservation's amount to the counter. Idempotent:
// unknown, already-released and committed reservations are all no-ops.
func (s *Store) Release(reservationID string) (*Reservation, bool, error) {
	var resv *Reservation
	var released bool

	err := s.withRetry(func(txn *badger.Txn) error {
		released = false

		var err error
		resv, err = getReservation(txn, reservationID)
		if err != nil {
			if err == requestplane.ErrReservationNotFound {
				return nil
			}
			return err
		}

		if resv.State != ReservationPending {
			return nil
		}

		if err := releaseInTxn(txn, resv); err != nil {
			return err
		}
		released = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return resv, released, nil
}

// releaseInTxn decrements the counter and marks the reservation released
func releaseInTxn(txn *badger.Txn, resv *Reservation) error {
	key := counterKey(resv.TenantID, resv.Resource, resv.PeriodStart)

	var consumed int64
	item, err := txn.Get(key)
	if err == nil {
		if verr := item.Value(func(val []byte) error {
			consumed, _ = strconv.ParseInt(string(val), 10, 64)
			return nil
		}); verr != nil {
			return verr
		}
	} else if err != badger.ErrKeyNotFound {
		return err
	}

	consumed -= resv.Amount
	if consumed < 0 {
		consumed = 0
	}

	counterTTL := time.Until(resv.Period.End(resv.PeriodStart)) + time.Hour
	if counterTTL > 0 {
		entry := badger.NewEntry(key, []byte(strconv.FormatInt(consumed, 10))).WithTTL(counterTTL)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
	}

	resv.State = ReservationReleased
	resvJSON, err := marshalReservation(resv)
	if err != nil {
		return err
	}
	entry := badger.NewEntry(reservationKey(resv.ID), resvJSON).WithTTL(terminalRecordTTL)
	if err := txn.SetEntry(entry); err != nil {
		return err
	}
	return txn.Delete(expiryKey(resv.Expiry, resv.ID))
}

// ExpiredPending returns up to max pending reservations whose expiry has
// passed, oldest first
func (s *Store) ExpiredPending(now time.Time, max int) ([]string, error) {
	cutoff := fmt.Sprintf("%s%020d", keyPrefixExpiry, now.UnixNano())

	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefixExpiry)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if string(it.Item().Key()) >= cutoff {
				break
			}
			if err := it.Item().Value(func(val []byte) error {
				ids = append(ids, string(val))
				return nil
			}); err != nil {
				return err
			}
			if len(ids) >= max {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

// Consumed returns the current counter value for (tenant, resource, period)
func (s *Store) Consumed(tenantID, resource string, periodStart time.Time) (int64, error) {
	var consumed int64

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(counterKey(tenantID, resource, periodStart))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			consumed, _ = strconv.ParseInt(string(val), 10, 64)
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	return consumed, nil
}

// GetReservation loads a reservation by ID
func (s *Store) GetReservation(reservationID string) (*Reservation, error) {
	var resv *Reservation
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		resv, err = getReservation(txn, reservationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resv, nil
}

// withRetry runs fn in an update transaction, retrying on optimistic
// conflicts so concurrent reservations serialize rather than fail
func (s *Store) withRetry(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = s.db.Update(fn)
		if err != badger.ErrConflict {
			return err
		}
	}
	return err
}

func marshalReservation(resv *Reservation) ([]byte, error) {
	return json.Marshal(resv)
}

func unmarshalReservation(data []byte, resv *Reservation) error {
	return json.Unmarshal(data, resv)
}

func getReservation(txn *badger.Txn, id string) (*Reservation, error) {
	item, err := txn.Get(reservationKey(id))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, requestplane.ErrReservationNotFound
		}
		return nil, err
	}

	var resv Reservation
	if err := item.Value(func(val []byte) error {
		return unmarshalReservation(val, &resv)
	}); err != nil {
		return nil, err
	}
	return &resv, nil
}
