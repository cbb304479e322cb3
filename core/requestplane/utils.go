package requestplane

import (
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
)

// NewRequestID generates a request identifier
func NewRequestID() string {
	return uuid.NewString()
}

// NewEventID generates an event identifier
func NewEventID() string {
	return uuid.NewString()
}

// NewCorrelationID generates a correlation identifier
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewReservationID generates a quota reservation identifier
func NewReservationID() string {
	return fmt.Sprintf("resv_%s", uuid.NewString())
}

// StableHash returns a deterministic hash of the (tenant, user) pair in
// [0,1). Used by the canary gate so band membership never flaps.
func StableHash(tenantID, userID string) float64 {
	h := fnv.New64a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	return float64(h.Sum64()%100000) / 100000.0
}

// Clamp01 clamps v into [0,1]
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ShardIndex maps a tenant ID onto one of n shards
func ShardIndex(tenantID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return int(h.Sum32() % uint32(n))
}
