package readings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// ProtocolVersion is the version written into every broadcast
const ProtocolVersion = 1

// Recognised keys of the wire document
const (
	KeyVersion     = "version"
	KeyNodeID      = "nodeId"
	KeyPM1_0       = "pm1.0"
	KeyPM2_5       = "pm2.5"
	KeyPM10_0      = "pm10.0"
	KeyTemperature = "temperature"
	KeyHumidity    = "humidity"
	KeyTimestamp   = "timestamp"
	KeyPeers       = "peers"
)

var (
	// ErrMalformedMessage is returned for any payload that is not a valid readings document
	ErrMalformedMessage = errors.New("malformed message")
	// ErrOutOfRange is returned for a well-formed reading rejected by the configured limits
	ErrOutOfRange = errors.New("reading out of range")
	// ErrNoLocalReading is returned when broadcasting before the first local reading
	ErrNoLocalReading = errors.New("no local reading yet")
)

// Message is the decoded form of one broadcast
type Message struct {
	Version int
	From    NodeID
	Reading Reading
	Peers   map[NodeID]Reading
}

// Encode renders the message as a JSON document. Numeric values are written as text.
func (m Message) Encode() ([]byte, error) {
	doc := readingFields(m.Reading)
	doc[KeyVersion] = ProtocolVersion
	doc[KeyNodeID] = m.From.String()

	if len(m.Peers) > 0 {
		peers := make(map[string]map[string]interface{}, len(m.Peers))
		for id, r := range m.Peers {
			peers[id.String()] = readingFields(r)
		}
		doc[KeyPeers] = peers
	}

	return json.Marshal(doc)
}

func readingFields(r Reading) map[string]interface{} {
	doc := map[string]interface{}{
		KeyPM1_0:       strconv.FormatUint(uint64(r.PM1_0), 10),
		KeyPM2_5:       strconv.FormatUint(uint64(r.PM2_5), 10),
		KeyPM10_0:      strconv.FormatUint(uint64(r.PM10_0), 10),
		KeyTemperature: strconv.FormatFloat(r.Temperature, 'f', -1, 64),
		KeyHumidity:    strconv.FormatFloat(r.Humidity, 'f', -1, 64),
	}
	if !r.Timestamp.IsZero() {
		doc[KeyTimestamp] = r.Timestamp.UnixMilli()
	}
	return doc
}

// DecodeMessage parses a wire document. Every failure wraps ErrMalformedMessage.
// Unrecognised keys are ignored; a missing recognised key is an error.
func DecodeMessage(payload []byte) (Message, error) {
	doc, err := decodeObject(payload)
	if err != nil {
		return Message{}, err
	}

	msg := Message{Version: 1}
	if raw, ok := doc[KeyVersion]; ok {
		v, err := parseNumber(raw)
		if err != nil || v != math.Trunc(v) || v < 1 {
			return Message{}, fmt.Errorf("%w: invalid %s", ErrMalformedMessage, KeyVersion)
		}
		if v > ProtocolVersion {
			return Message{}, fmt.Errorf("%w: unsupported version %g", ErrMalformedMessage, v)
		}
		msg.Version = int(v)
	}

	raw, ok := doc[KeyNodeID]
	if !ok {
		return Message{}, fmt.Errorf("%w: missing key %q", ErrMalformedMessage, KeyNodeID)
	}
	id, err := parseUint(raw, math.MaxUint32)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, KeyNodeID, err)
	}
	msg.From = NodeID(id)

	if msg.Reading, err = decodeReading(doc); err != nil {
		return Message{}, err
	}

	if raw, ok := doc[KeyPeers]; ok {
		peers, err := decodeObject(raw)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %s", err, KeyPeers)
		}
		msg.Peers = make(map[NodeID]Reading, len(peers))
		for key, rawPeer := range peers {
			peerID, err := ParseNodeID(key)
			if err != nil {
				return Message{}, fmt.Errorf("%w: peer id %q", ErrMalformedMessage, key)
			}
			fields, err := decodeObject(rawPeer)
			if err != nil {
				return Message{}, fmt.Errorf("%w: peer %s", err, key)
			}
			r, err := decodeReading(fields)
			if err != nil {
				return Message{}, fmt.Errorf("peer %s: %w", key, err)
			}
			msg.Peers[peerID] = r
		}
	}

	return msg, nil
}

func decodeObject(payload []byte) (map[string]json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	// "null" unmarshals into a nil map without error
	if doc == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedMessage)
	}
	return doc, nil
}

func decodeReading(doc map[string]json.RawMessage) (Reading, error) {
	var r Reading
	pms := []struct {
		key string
		dst *uint16
	}{
		{KeyPM1_0, &r.PM1_0},
		{KeyPM2_5, &r.PM2_5},
		{KeyPM10_0, &r.PM10_0},
	}
	for _, f := range pms {
		raw, ok := doc[f.key]
		if !ok {
			return Reading{}, fmt.Errorf("%w: missing key %q", ErrMalformedMessage, f.key)
		}
		v, err := parseUint(raw, math.MaxUint16)
		if err != nil {
			return Reading{}, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, f.key, err)
		}
		*f.dst = uint16(v)
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{KeyTemperature, &r.Temperature},
		{KeyHumidity, &r.Humidity},
	}
	for _, f := range floats {
		raw, ok := doc[f.key]
		if !ok {
			return Reading{}, fmt.Errorf("%w: missing key %q", ErrMalformedMessage, f.key)
		}
		v, err := parseNumber(raw)
		if err != nil {
			return Reading{}, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, f.key, err)
		}
		*f.dst = v
	}

	if raw, ok := doc[KeyTimestamp]; ok {
		ms, err := parseNumber(raw)
		if err != nil || ms != math.Trunc(ms) {
			return Reading{}, fmt.Errorf("%w: invalid %s", ErrMalformedMessage, KeyTimestamp)
		}
		r.Timestamp = time.UnixMilli(int64(ms))
	}

	return r, nil
}

// parseNumber accepts a JSON number or a string holding one
func parseNumber(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	text := string(raw)
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, err
		}
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %s", raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite number: %s", raw)
	}
	return v, nil
}

func parseUint(raw json.RawMessage, max uint64) (uint64, error) {
	v, err := parseNumber(raw)
	if err != nil {
		return 0, err
	}
	if v < 0 || v != math.Trunc(v) || v > float64(max) {
		return 0, fmt.Errorf("%s is not an integer in [0, %d]", raw, max)
	}
	return uint64(v), nil
}

// sortedIDs returns map keys in ascending order
func sortedIDs[T any](m map[NodeID]T) []NodeID {
	ids := make([]NodeID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
