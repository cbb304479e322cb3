package quota

import (
	"testing"
	"time"

	"github.com/agentplane/agentplane/core/requestplane"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStoreInMemory()
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func pendingReservation(tenant, resource string, amount int64) *Reservation {
	now := time.Now()
	return &Reservation{
		ID:          requestplane.NewReservationID(),
		TenantID:    tenant,
		Resource:    resource,
		Amount:      amount,
		Period:      PeriodHour,
		PeriodStart: PeriodHour.Start(now),
		State:       ReservationPending,
		Created:     now,
		Expiry:      now.Add(30 * time.Second),
	}
}

func TestReserveIncrDeniesOverLimit(t *testing.T) {
	store := newTestStore(t)

	consumed, ok, err := store.ReserveIncr(pendingReservation("t1", "api_calls", 8), 10)
	if err != nil || !ok {
		t.Fatalf("first reserve: ok=%v err=%v", ok, err)
	}
	if consumed != 8 {
		t.Fatalf("expected 8 consumed, got %d", consumed)
	}

	// 8 + 3 > 10: denied, counter untouched
	consumed, ok, err = store.ReserveIncr(pendingReservation("t1", "api_calls", 3), 10)
	if err != nil {
		t.Fatalf("denied reserve errored: %v", err)
	}
	if ok {
		t.Fatal("expected denial over limit")
	}
	if consumed != 8 {
		t.Errorf("expected counter to stay at 8, got %d", consumed)
	}

	// 8 + 2 == 10: exactly at the limit fits
	consumed, ok, err = store.ReserveIncr(pendingReservation("t1", "api_calls", 2), 10)
	if err != nil || !ok {
		t.Fatalf("at-limit reserve: ok=%v err=%v", ok, err)
	}
	if consumed != 10 {
		t.Errorf("expected 10 consumed, got %d", consumed)
	}
}

func TestCountersIsolatedByTenantAndResource(t *testing.T) {
	store := newTestStore(t)

	if _, _, err := store.ReserveIncr(pendingReservation("t1", "api_calls", 5), -1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.ReserveIncr(pendingReservation("t1", "tokens", 7), -1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.ReserveIncr(pendingReservation("t2", "api_calls", 11), -1); err != nil {
		t.Fatal(err)
	}

	start := PeriodHour.Start(time.Now())
	for _, tc := range []struct {
		tenant, resource string
		want             int64
	}{
		{"t1", "api_calls", 5},
		{"t1", "tokens", 7},
		{"t2", "api_calls", 11},
		{"t2", "tokens", 0},
	} {
		got, err := store.Consumed(tc.tenant, tc.resource, start)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("%s/%s: expected %d, got %d", tc.tenant, tc.resource, tc.want, got)
		}
	}
}

func TestReleaseAfterCommitIsNoop(t *testing.T) {
	store := newTestStore(t)

	resv := pendingReservation("t1", "api_calls", 4)
	if _, _, err := store.ReserveIncr(resv, -1); err != nil {
		t.Fatal(err)
	}

	if _, transitioned, err := store.Commit(resv.ID, time.Now()); err != nil || !transitioned {
		t.Fatalf("commit: transitioned=%v err=%v", transitioned, err)
	}

	// Committed usage stays consumed
	if _, released, err := store.Release(resv.ID); err != nil || released {
		t.Fatalf("release after commit: released=%v err=%v", released, err)
	}

	consumed, err := store.Consumed("t1", "api_calls", resv.PeriodStart)
	if err != nil {
		t.Fatal(err)
	}
	if consumed != 4 {
		t.Errorf("expected committed usage to remain, got %d", consumed)
	}
}

func TestCommitAfterExpiryReleases(t *testing.T) {
	store := newTestStore(t)

	resv := pendingReservation("t1", "api_calls", 4)
	if _, _, err := store.ReserveIncr(resv, -1); err != nil {
		t.Fatal(err)
	}

	// Commit arrives after the TTL but before the sweeper
	_, transitioned, err := store.Commit(resv.ID, resv.Expiry.Add(time.Second))
	if err != requestplane.ErrReservationExpired {
		t.Fatalf("expected ErrReservationExpired, got %v", err)
	}
	if transitioned {
		t.Error("expected no commit transition past expiry")
	}

	consumed, err := store.Consumed("t1", "api_calls", resv.PeriodStart)
	if err != nil {
		t.Fatal(err)
	}
	if consumed != 0 {
		t.Errorf("expected quota returned, got %d consumed", consumed)
	}
}

func TestExpiredPendingOrderedOldestFirst(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	late := pendingReservation("t1", "api_calls", 1)
	late.Expiry = now.Add(20 * time.Second)
	early := pendingReservation("t1", "api_calls", 1)
	early.Expiry = now.Add(5 * time.Second)

	for _, r := range []*Reservation{late, early} {
		if _, _, err := store.ReserveIncr(r, -1); err != nil {
			t.Fatal(err)
		}
	}

	// Only the early one is expired at +10s
	ids, err := store.ExpiredPending(now.Add(10*time.Second), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != early.ID {
		t.Fatalf("expected only the early reservation, got %v", ids)
	}

	// Both at +30s, oldest expiry first
	ids, err = store.ExpiredPending(now.Add(30*time.Second), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != early.ID || ids[1] != late.ID {
		t.Fatalf("expected [early, late], got %v", ids)
	}
}

func TestPeriodBoundariesUTC(t *testing.T) {
	// 2026-03-15 17:42:10 UTC
	at := time.Date(2026, 3, 15, 17, 42, 10, 0, time.UTC)

	if got := PeriodHour.Start(at); !got.Equal(time.Date(2026, 3, 15, 17, 0, 0, 0, time.UTC)) {
		t.Errorf("hour start: %v", got)
	}
	if got := PeriodHour.End(at); !got.Equal(time.Date(2026, 3, 15, 18, 0, 0, 0, time.UTC)) {
		t.Errorf("hour end: %v", got)
	}
	if got := PeriodDay.Start(at); !got.Equal(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("day start: %v", got)
	}
	if got := PeriodMonth.Start(at); !got.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("month start: %v", got)
	}
	if got := PeriodMonth.End(at); !got.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("month end: %v", got)
	}

	// Local-zone inputs land in the same UTC period
	zone := time.FixedZone("plus9", 9*3600)
	local := at.In(zone)
	if !PeriodDay.Start(local).Equal(PeriodDay.Start(at)) {
		t.Error("expected identical day boundary regardless of input zone")
	}
}
