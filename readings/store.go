package readings

import (
	"fmt"
	"sync"
	"time"

	"github.com/eddielth/airmesh/validator"
)

// Mode selects what a broadcast carries
type Mode string

const (
	// ModeSingle broadcasts the local reading only
	ModeSingle Mode = "single"
	// ModeTable also carries the directly observed peers
	ModeTable Mode = "table"
)

// Options tunes the store. The zero value is single mode without eviction.
type Options struct {
	Mode Mode
	// PeerTTL evicts peers not heard from for this long; zero keeps them forever
	PeerTTL time.Duration
	// AcceptRelayed fills unknown peers from other nodes' peer tables
	AcceptRelayed bool
	Validators    []validator.Validator
}

// Store holds the freshest reading per node. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	local   NodeID
	entries map[NodeID]Entry
	opts    Options
	now     func() time.Time
	hook    UpdateHook
}

// UpdateHook observes every entry the store writes. It runs after the
// store lock is released.
type UpdateHook func(id NodeID, e Entry)

// NewStore creates an empty store for the given local node
func NewStore(local NodeID, opts Options) *Store {
	return &Store{
		local:   local,
		entries: make(map[NodeID]Entry),
		opts:    opts,
		now:     time.Now,
	}
}

// Local returns the id of this node
func (s *Store) Local() NodeID {
	return s.local
}

// Configure replaces the store options
func (s *Store) Configure(opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = opts
}

// Options returns the current options
func (s *Store) Options() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

// OnUpdate installs the update hook
func (s *Store) OnUpdate(hook UpdateHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// SetLocal overwrites the local node's entry
func (s *Store) SetLocal(r Reading) {
	s.mu.Lock()
	e := Entry{Reading: r, UpdatedAt: s.now()}
	s.entries[s.local] = e
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		hook(s.local, e)
	}
}

func notify(hook UpdateHook, ids []NodeID, entries []Entry) {
	if hook == nil {
		return
	}
	for i, id := range ids {
		hook(id, entries[i])
	}
}

// ApplyRemote parses a peer's payload and replaces that peer's entry.
// Unparseable documents fail with ErrMalformedMessage, readings outside the
// configured limits with ErrOutOfRange. On error no entry is touched.
func (s *Store) ApplyRemote(from NodeID, payload []byte) error {
	msg, err := DecodeMessage(payload)
	if err != nil {
		return err
	}
	if msg.From != from {
		return fmt.Errorf("%w: sender %s claims to be %s", ErrMalformedMessage, from, msg.From)
	}

	s.mu.Lock()
	ids, entries, err := s.applyLocked(from, msg)
	hook := s.hook
	s.mu.Unlock()

	if err != nil {
		return err
	}
	notify(hook, ids, entries)
	return nil
}

// applyLocked writes the message and returns the written entries, sender first
func (s *Store) applyLocked(from NodeID, msg Message) ([]NodeID, []Entry, error) {
	if err := validator.ValidateAll(msg.Reading, s.opts.Validators); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrOutOfRange, err)
	}
	for _, id := range sortedIDs(msg.Peers) {
		if err := validator.ValidateAll(msg.Peers[id], s.opts.Validators); err != nil {
			return nil, nil, fmt.Errorf("%w: peer %s: %v", ErrOutOfRange, id, err)
		}
	}

	now := s.now()
	cur, known := s.entries[from]
	e := Entry{Reading: stamp(msg.Reading, cur, known, now), UpdatedAt: now}
	s.entries[from] = e
	ids, entries := []NodeID{from}, []Entry{e}

	if !s.opts.AcceptRelayed {
		return ids, entries, nil
	}
	for _, id := range sortedIDs(msg.Peers) {
		if id == s.local || id == from {
			continue
		}
		cur, ok := s.entries[id]
		r := stamp(msg.Peers[id], cur, ok, now)
		if ok {
			if !cur.Relayed || !r.Timestamp.After(cur.Reading.Timestamp) {
				continue
			}
		}
		e := Entry{Reading: r, UpdatedAt: now, Relayed: true}
		s.entries[id] = e
		ids = append(ids, id)
		entries = append(entries, e)
	}
	return ids, entries, nil
}

// stamp gives a reading without a timestamp the receive time. A resent
// reading with unchanged values keeps the time it was first received.
func stamp(r Reading, cur Entry, known bool, now time.Time) Reading {
	if !r.Timestamp.IsZero() {
		return r
	}
	if known {
		same := r
		same.Timestamp = cur.Reading.Timestamp
		if same.Equal(cur.Reading) {
			return same
		}
	}
	r.Timestamp = now
	return r
}

// EncodeForBroadcast serialises the local reading, plus direct peers in table mode
func (s *Store) EncodeForBroadcast() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	local, ok := s.entries[s.local]
	if !ok {
		return nil, ErrNoLocalReading
	}

	msg := Message{Version: ProtocolVersion, From: s.local, Reading: local.Reading}
	if s.opts.Mode == ModeTable {
		for id, e := range s.entries {
			if id == s.local || e.Relayed {
				continue
			}
			if msg.Peers == nil {
				msg.Peers = make(map[NodeID]Reading)
			}
			msg.Peers[id] = e.Reading
		}
	}
	return msg.Encode()
}

// Get returns the reading of a node, if known
func (s *Store) Get(id NodeID) (Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e.Reading, ok
}

// Entry returns the full entry of a node, if known
func (s *Store) Entry(id NodeID) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Len returns the number of known nodes, local included
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot copies all entries, ordered by node id
func (s *Store) Snapshot() []NodeReading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]NodeReading, 0, len(s.entries))
	for _, id := range sortedIDs(s.entries) {
		out = append(out, NodeReading{Node: id, Local: id == s.local, Entry: s.entries[id]})
	}
	return out
}

// Evict drops peers whose entry is older than PeerTTL and returns their ids
func (s *Store) Evict(now time.Time) []NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.PeerTTL <= 0 {
		return nil
	}
	var evicted []NodeID
	for _, id := range sortedIDs(s.entries) {
		if id == s.local {
			continue
		}
		if now.Sub(s.entries[id].UpdatedAt) > s.opts.PeerTTL {
			delete(s.entries, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}
