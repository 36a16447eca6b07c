package readings

import (
	"strconv"
	"time"
)

// NodeID identifies a mesh participant
type NodeID uint32

// String formats the id in decimal, the same way it appears on the wire and in topics
func (id NodeID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseNodeID parses a decimal node id
func ParseNodeID(s string) (NodeID, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return NodeID(v), nil
}

// Reading is one node's latest measurement snapshot.
// Values are raw sensor units; nothing here applies a scale.
type Reading struct {
	PM1_0       uint16    `json:"pm1_0" wire:"pm1.0"`
	PM2_5       uint16    `json:"pm2_5" wire:"pm2.5"`
	PM10_0      uint16    `json:"pm10_0" wire:"pm10.0"`
	Temperature float64   `json:"temperature" wire:"temperature"`
	Humidity    float64   `json:"humidity" wire:"humidity"`
	Timestamp   time.Time `json:"timestamp"`
}

// Equal reports whether two readings carry the same values.
// Timestamps are compared at the millisecond precision of the wire encoding.
func (r Reading) Equal(o Reading) bool {
	return r.PM1_0 == o.PM1_0 &&
		r.PM2_5 == o.PM2_5 &&
		r.PM10_0 == o.PM10_0 &&
		r.Temperature == o.Temperature &&
		r.Humidity == o.Humidity &&
		r.Timestamp.UnixMilli() == o.Timestamp.UnixMilli()
}

// Entry is what the store keeps per node
type Entry struct {
	Reading Reading `json:"reading"`
	// UpdatedAt is the local time the entry was written, used for TTL eviction
	UpdatedAt time.Time `json:"updated_at"`
	// Relayed is set when the reading came from another node's peer table
	Relayed bool `json:"relayed"`
}

// NodeReading pairs an entry with its node id for snapshots
type NodeReading struct {
	Node  NodeID `json:"node_id"`
	Local bool   `json:"local"`
	Entry
}
