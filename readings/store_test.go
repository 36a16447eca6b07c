package readings

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/airmesh/validator"
)

const localID NodeID = 0xDEADBEEF

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(opts Options) (*Store, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1729252800, 0)}
	s := NewStore(localID, opts)
	s.now = clock.Now
	return s, clock
}

func sampleReading() Reading {
	return Reading{PM1_0: 5, PM2_5: 10, PM10_0: 15, Temperature: 20, Humidity: 40, Timestamp: time.UnixMilli(1729252800000)}
}

func encodeFrom(t *testing.T, id NodeID, r Reading) []byte {
	t.Helper()
	b, err := Message{From: id, Reading: r}.Encode()
	require.NoError(t, err)
	return b
}

func TestStoreGetAbsent(t *testing.T) {
	s, _ := newTestStore(Options{})
	_, ok := s.Get(1)
	assert.False(t, ok)
	_, err := s.EncodeForBroadcast()
	assert.ErrorIs(t, err, ErrNoLocalReading)
}

func TestStoreSelfRoundTrip(t *testing.T) {
	s, _ := newTestStore(Options{})
	r := sampleReading()
	s.SetLocal(r)

	payload, err := s.EncodeForBroadcast()
	require.NoError(t, err)
	require.NoError(t, s.ApplyRemote(localID, payload))

	got, ok := s.Get(localID)
	require.True(t, ok)
	assert.True(t, r.Equal(got))
}

func TestStoreBroadcastAppliedOnPeer(t *testing.T) {
	local, _ := newTestStore(Options{})
	local.SetLocal(sampleReading())
	payload, err := local.EncodeForBroadcast()
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &doc))
	for _, key := range []string{KeyPM1_0, KeyPM2_5, KeyPM10_0, KeyTemperature, KeyHumidity} {
		assert.Contains(t, doc, key)
	}
	assert.Equal(t, localID.String(), doc[KeyNodeID])

	peer := NewStore(1, Options{})
	require.NoError(t, peer.ApplyRemote(localID, payload))
	got, ok := peer.Get(localID)
	require.True(t, ok)
	assert.True(t, sampleReading().Equal(got))
	assert.Equal(t, uint16(5), got.PM1_0)
	assert.Equal(t, uint16(10), got.PM2_5)
	assert.Equal(t, uint16(15), got.PM10_0)
	assert.Equal(t, 20.0, got.Temperature)
	assert.Equal(t, 40.0, got.Humidity)
}

func TestStoreApplyIdempotent(t *testing.T) {
	s, _ := newTestStore(Options{Mode: ModeTable, AcceptRelayed: true})
	payload, err := Message{From: 2, Reading: sampleReading(), Peers: map[NodeID]Reading{3: sampleReading()}}.Encode()
	require.NoError(t, err)

	require.NoError(t, s.ApplyRemote(2, payload))
	once := s.Snapshot()
	require.NoError(t, s.ApplyRemote(2, payload))
	assert.Equal(t, once, s.Snapshot())
}

func TestStoreMalformedLeavesState(t *testing.T) {
	s, _ := newTestStore(Options{})
	s.SetLocal(sampleReading())
	require.NoError(t, s.ApplyRemote(2, encodeFrom(t, 2, sampleReading())))
	before := s.Snapshot()

	inputs := []string{
		"",
		"24:6F:28:AA:BB:CC",
		"0 0 0 0 1",
		"{",
		`{"nodeId":"2","pm1.0":"1"}`,
		`{"nodeId":"2","pm1.0":"1","pm2.5":"2","pm10.0":"3","temperature":"4","humidity":"x"}`,
		`{"nodeId":"2","pm1.0":"1","pm2.5":"2","pm10.0":"3","temperature":"4","humidity":"5","peers":{"9":{}}}`,
	}
	for _, in := range inputs {
		err := s.ApplyRemote(2, []byte(in))
		assert.ErrorIs(t, err, ErrMalformedMessage, in)
		assert.Equal(t, before, s.Snapshot(), in)
	}
}

func TestStoreRejectsSpoofedSender(t *testing.T) {
	s, _ := newTestStore(Options{})
	err := s.ApplyRemote(2, encodeFrom(t, 3, sampleReading()))
	assert.ErrorIs(t, err, ErrMalformedMessage)
	assert.Equal(t, 0, s.Len())
}

func TestStoreValidators(t *testing.T) {
	s, _ := newTestStore(Options{Validators: []validator.Validator{
		&validator.RangeValidator{Field: KeyPM2_5, Min: 0, Max: 9},
	}})
	err := s.ApplyRemote(2, encodeFrom(t, 2, sampleReading()))
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.NotErrorIs(t, err, ErrMalformedMessage, "a well-formed document is never malformed")
	_, ok := s.Get(2)
	assert.False(t, ok)

	r := sampleReading()
	r.PM2_5 = 9
	require.NoError(t, s.ApplyRemote(2, encodeFrom(t, 2, r)))

	b, err := Message{From: 3, Reading: r, Peers: map[NodeID]Reading{4: sampleReading()}}.Encode()
	require.NoError(t, err)
	assert.ErrorIs(t, s.ApplyRemote(3, b), ErrOutOfRange)
	_, ok = s.Get(3)
	assert.False(t, ok, "a rejected peer table rejects the whole message")
}

func TestStoreRawValuesWithoutLimits(t *testing.T) {
	s, _ := newTestStore(Options{})
	doc := `{"nodeId":"2","pm1.0":"5","pm2.5":"10","pm10.0":"15","temperature":"235","humidity":"450","timestamp":1729252800000}`
	require.NoError(t, s.ApplyRemote(2, []byte(doc)))
	got, ok := s.Get(2)
	require.True(t, ok)
	assert.Equal(t, 235.0, got.Temperature)
	assert.Equal(t, 450.0, got.Humidity)
}

func TestStoreStampsMissingTimestamp(t *testing.T) {
	s, clock := newTestStore(Options{AcceptRelayed: true})
	doc := `{"nodeId":"2","pm1.0":"5","pm2.5":"10","pm10.0":"15","temperature":"20","humidity":"40"}`
	require.NoError(t, s.ApplyRemote(2, []byte(doc)))

	got, ok := s.Get(2)
	require.True(t, ok)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, clock.Now(), got.Timestamp)

	first := clock.Now()
	clock.Advance(time.Minute)
	require.NoError(t, s.ApplyRemote(2, []byte(doc)))
	got, _ = s.Get(2)
	assert.Equal(t, first, got.Timestamp, "a resent reading keeps its first receive time")

	changed := `{"nodeId":"2","pm1.0":"6","pm2.5":"10","pm10.0":"15","temperature":"20","humidity":"40"}`
	require.NoError(t, s.ApplyRemote(2, []byte(changed)))
	got, _ = s.Get(2)
	assert.Equal(t, clock.Now(), got.Timestamp)

	relay := func(pm uint16) {
		doc := fmt.Sprintf(`{"nodeId":"3","pm1.0":"1","pm2.5":"1","pm10.0":"1","temperature":"1","humidity":"1",`+
			`"peers":{"9":{"pm1.0":"%d","pm2.5":"1","pm10.0":"1","temperature":"1","humidity":"1"}}}`, pm)
		require.NoError(t, s.ApplyRemote(3, []byte(doc)))
	}
	relay(7)
	got, _ = s.Get(9)
	assert.Equal(t, uint16(7), got.PM1_0)
	assert.False(t, got.Timestamp.IsZero())

	clock.Advance(time.Minute)
	relay(8)
	got, _ = s.Get(9)
	assert.Equal(t, uint16(8), got.PM1_0, "unstamped relayed readings still refresh")
	assert.Equal(t, clock.Now(), got.Timestamp)
}

func TestStoreReapplyRefreshesLastHeard(t *testing.T) {
	s, clock := newTestStore(Options{})
	payload := encodeFrom(t, 2, sampleReading())
	require.NoError(t, s.ApplyRemote(2, payload))
	before, _ := s.Entry(2)

	clock.Advance(time.Minute)
	require.NoError(t, s.ApplyRemote(2, payload))
	after, _ := s.Entry(2)

	assert.True(t, before.Reading.Equal(after.Reading), "readings are idempotent")
	assert.Equal(t, before.UpdatedAt.Add(time.Minute), after.UpdatedAt, "last heard time moves on")
}

func TestStoreTableModeBroadcast(t *testing.T) {
	s, _ := newTestStore(Options{Mode: ModeTable, AcceptRelayed: true})
	s.SetLocal(sampleReading())
	require.NoError(t, s.ApplyRemote(2, encodeFrom(t, 2, sampleReading())))

	relayed, err := Message{From: 4, Reading: sampleReading(), Peers: map[NodeID]Reading{5: sampleReading()}}.Encode()
	require.NoError(t, err)
	require.NoError(t, s.ApplyRemote(4, relayed))

	payload, err := s.EncodeForBroadcast()
	require.NoError(t, err)
	msg, err := DecodeMessage(payload)
	require.NoError(t, err)
	assert.Contains(t, msg.Peers, NodeID(2))
	assert.Contains(t, msg.Peers, NodeID(4))
	assert.NotContains(t, msg.Peers, NodeID(5), "relayed entries are not re-broadcast")
	assert.NotContains(t, msg.Peers, localID)

	s.Configure(Options{Mode: ModeSingle})
	payload, err = s.EncodeForBroadcast()
	require.NoError(t, err)
	msg, err = DecodeMessage(payload)
	require.NoError(t, err)
	assert.Empty(t, msg.Peers)
}

func TestStoreRelayedEntries(t *testing.T) {
	s, _ := newTestStore(Options{AcceptRelayed: true})
	local := sampleReading()
	s.SetLocal(local)
	direct := sampleReading()
	direct.PM1_0 = 100
	require.NoError(t, s.ApplyRemote(2, encodeFrom(t, 2, direct)))

	older := sampleReading()
	newer := sampleReading()
	newer.PM1_0 = 77
	newer.Timestamp = older.Timestamp.Add(time.Minute)

	relay := func(from NodeID, peers map[NodeID]Reading) {
		b, err := Message{From: from, Reading: sampleReading(), Peers: peers}.Encode()
		require.NoError(t, err)
		require.NoError(t, s.ApplyRemote(from, b))
	}

	relay(3, map[NodeID]Reading{localID: newer, 2: newer, 3: newer, 9: older})

	got, _ := s.Get(localID)
	assert.True(t, local.Equal(got), "local entry is never replaced by a relay")
	got, _ = s.Get(2)
	assert.True(t, direct.Equal(got), "direct entries win over relayed ones")
	got, _ = s.Get(3)
	assert.True(t, sampleReading().Equal(got), "sender's own reading wins over its peer table")

	e, ok := s.Entry(9)
	require.True(t, ok)
	assert.True(t, e.Relayed)

	relay(3, map[NodeID]Reading{9: newer})
	got, _ = s.Get(9)
	assert.True(t, newer.Equal(got))

	relay(3, map[NodeID]Reading{9: older})
	got, _ = s.Get(9)
	assert.True(t, newer.Equal(got), "older relayed reading is ignored")

	require.NoError(t, s.ApplyRemote(9, encodeFrom(t, 9, older)))
	e, _ = s.Entry(9)
	assert.False(t, e.Relayed, "a direct message replaces a relayed entry")
}

func TestStoreRelayedDisabled(t *testing.T) {
	s, _ := newTestStore(Options{})
	b, err := Message{From: 3, Reading: sampleReading(), Peers: map[NodeID]Reading{9: sampleReading()}}.Encode()
	require.NoError(t, err)
	require.NoError(t, s.ApplyRemote(3, b))
	_, ok := s.Get(9)
	assert.False(t, ok)
}

func TestStoreEvict(t *testing.T) {
	s, clock := newTestStore(Options{})
	s.SetLocal(sampleReading())
	require.NoError(t, s.ApplyRemote(2, encodeFrom(t, 2, sampleReading())))
	clock.Advance(time.Minute)
	require.NoError(t, s.ApplyRemote(3, encodeFrom(t, 3, sampleReading())))

	assert.Nil(t, s.Evict(clock.Now().Add(time.Hour)), "eviction is off without a TTL")

	s.Configure(Options{PeerTTL: 90 * time.Second})
	clock.Advance(time.Minute)
	assert.Equal(t, []NodeID{2}, s.Evict(clock.Now()))
	_, ok := s.Get(2)
	assert.False(t, ok)
	_, ok = s.Get(localID)
	assert.True(t, ok, "local entry is never evicted")

	clock.Advance(time.Hour)
	assert.Equal(t, []NodeID{3}, s.Evict(clock.Now()))
	assert.Equal(t, 1, s.Len())
}

func TestStoreSnapshotOrder(t *testing.T) {
	s, _ := newTestStore(Options{})
	s.SetLocal(sampleReading())
	for _, id := range []NodeID{30, 10, 20} {
		require.NoError(t, s.ApplyRemote(id, encodeFrom(t, id, sampleReading())))
	}
	snap := s.Snapshot()
	require.Len(t, snap, 4)
	assert.Equal(t, []NodeID{10, 20, 30, localID}, []NodeID{snap[0].Node, snap[1].Node, snap[2].Node, snap[3].Node})
	assert.True(t, snap[3].Local)
	assert.False(t, snap[0].Local)
}

func TestStoreUpdateHook(t *testing.T) {
	s, _ := newTestStore(Options{AcceptRelayed: true})
	type update struct {
		id      NodeID
		relayed bool
	}
	var got []update
	s.OnUpdate(func(id NodeID, e Entry) {
		// the hook runs unlocked, so reading the store back must not deadlock
		_, ok := s.Get(id)
		assert.True(t, ok)
		got = append(got, update{id, e.Relayed})
	})

	s.SetLocal(sampleReading())
	b, err := Message{From: 3, Reading: sampleReading(), Peers: map[NodeID]Reading{9: sampleReading(), 4: sampleReading()}}.Encode()
	require.NoError(t, err)
	require.NoError(t, s.ApplyRemote(3, b))
	assert.Error(t, s.ApplyRemote(3, []byte(`{}`)))

	assert.Equal(t, []update{{localID, false}, {3, false}, {4, true}, {9, true}}, got)
}
