package hashring

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Entry is one ring position in a Snapshot.
type Entry struct {
	Hash HashValue `json:"hash"`
	Name string    `json:"name"`
}

// Snapshot is the serialized form of a HashRing: the ordered ring positions
// plus the full node table in registration order.
type Snapshot struct {
	Entries []Entry      `json:"entries"`
	Nodes   []NodeRecord `json:"nodes"`
}

// Snapshot captures the ring. The result shares no memory with r.
func (r *HashRing) Snapshot() Snapshot {
	s := Snapshot{
		Entries: make([]Entry, len(r.entries)),
		Nodes:   make([]NodeRecord, 0, len(r.order)),
	}
	for i, e := range r.entries {
		s.Entries[i] = Entry{Hash: e.hash, Name: e.name}
	}
	for _, name := range r.order {
		s.Nodes = append(s.Nodes, *r.nodes[name])
	}
	return s
}

// FromSnapshot rebuilds a ring. Every entry must reference a known node
// with an on-ring flag sitting at its own position.
func FromSnapshot(s Snapshot) (*HashRing, error) {
	r := &HashRing{
		nodes: make(map[string]*NodeRecord, len(s.Nodes)),
		keys:  make(map[string]string, len(s.Nodes)),
	}
	for _, rec := range s.Nodes {
		rec := rec
		if _, exists := r.nodes[rec.Name]; exists {
			return nil, fmt.Errorf("%w: name %s", ErrDuplicateNode, rec.Name)
		}
		r.nodes[rec.Name] = &rec
		r.keys[rec.Key()] = rec.Name
		r.order = append(r.order, rec.Name)
	}

	for _, e := range s.Entries {
		rec, ok := r.nodes[e.Name]
		if !ok {
			return nil, fmt.Errorf("%w: ring entry %s references unknown node %s", ErrConsistency, e.Hash, e.Name)
		}
		if !rec.Flag.IsOnRing() && rec.Flag != FlagStartStop {
			return nil, fmt.Errorf("%w: ring entry for %s has flag %s", ErrConsistency, e.Name, rec.Flag)
		}
		if rec.Position() != e.Hash {
			return nil, fmt.Errorf("%w: %s recorded at %s, expected %s", ErrConsistency, e.Name, e.Hash, rec.Position())
		}
		r.entries = append(r.entries, entry{hash: e.Hash, name: e.Name})
	}
	sort.Slice(r.entries, func(i, j int) bool {
		return r.entries[i].hash.Less(r.entries[j].hash)
	})
	return r, nil
}

// MarshalSnapshot encodes the ring as JSON.
func (r *HashRing) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(r.Snapshot())
}

// UnmarshalSnapshot decodes JSON produced by MarshalSnapshot into a ring.
func UnmarshalSnapshot(data []byte) (*HashRing, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode ring snapshot: %w", err)
	}
	return FromSnapshot(s)
}
