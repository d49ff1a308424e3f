/*
Package hashring implements the coordinator's consistent-hash ring.

Membership changes are staged and committed in two steps. AddServer and
RemoveServer only flag a node; UpdateRing inserts every staged node, then
removes every node staged for removal, recomputing all ranges after each
phase. A node at position p owns [p, successor(p)), while key lookup
resolves a hash to the first position at or after it.

A HashRing is not safe for concurrent use. Its owner serializes access.
*/
package hashring

import (
	"fmt"
	"sort"

	"go.uber.org/multierr"
)

type entry struct {
	hash HashValue
	name string
}

// HashRing holds the ordered ring positions and the table of every
// configured node, on ring or not.
type HashRing struct {
	entries []entry // sorted by hash
	nodes   map[string]*NodeRecord
	order   []string // registration order, used for deterministic scans
	keys    map[string]string
}

// Change lists the nodes a ring update inserted and removed.
type Change struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// Empty reports whether the update changed nothing.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

// New creates a ring whose node table holds the given records, all IDLE.
func New(records ...NodeRecord) (*HashRing, error) {
	r := &HashRing{
		nodes: make(map[string]*NodeRecord, len(records)),
		keys:  make(map[string]string, len(records)),
	}
	for _, rec := range records {
		if err := r.Register(rec); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a node to the table in the IDLE state.
func (r *HashRing) Register(rec NodeRecord) error {
	if rec.Name == "" {
		return fmt.Errorf("node name is required")
	}
	if _, exists := r.nodes[rec.Name]; exists {
		return fmt.Errorf("%w: name %s", ErrDuplicateNode, rec.Name)
	}
	if other, exists := r.keys[rec.Key()]; exists {
		return fmt.Errorf("%w: %s shares address %s with %s", ErrDuplicateNode, rec.Name, rec.Key(), other)
	}
	rec.Flag = FlagIdle
	rec.Range = HashRange{}
	r.nodes[rec.Name] = &rec
	r.keys[rec.Key()] = rec.Name
	r.order = append(r.order, rec.Name)
	return nil
}

// AddServer stages an IDLE node for insertion. Staging a node that is
// already staged or on the ring is a no-op.
func (r *HashRing) AddServer(name string) error {
	rec, ok := r.nodes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	switch {
	case rec.Flag == FlagIdle:
		rec.Flag = FlagIdleStart
	case rec.Flag == FlagIdleStart, rec.Flag.IsOnRing():
	default:
		return fmt.Errorf("%w: cannot add %s in state %s", ErrInvalidTransition, name, rec.Flag)
	}
	return nil
}

// RemoveServer stages an on-ring node for removal. Staging it twice is a
// no-op; a node staged for insertion but not yet committed goes back to IDLE.
func (r *HashRing) RemoveServer(name string) error {
	rec, ok := r.nodes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	switch {
	case rec.Flag == FlagStartStop:
	case rec.Flag.IsOnRing():
		rec.Flag = FlagStartStop
	case rec.Flag == FlagIdleStart:
		rec.Flag = FlagIdle
	default:
		return fmt.Errorf("%w: cannot remove %s in state %s", ErrInvalidTransition, name, rec.Flag)
	}
	return nil
}

// UpdateRing commits staged changes. Insertions run before removals and
// ranges are recomputed after each phase. A node whose position collides
// with a different member stays staged and the collision is reported.
func (r *HashRing) UpdateRing() (Change, error) {
	var (
		change Change
		errs   error
	)

	for _, name := range r.order {
		rec := r.nodes[name]
		if rec.Flag != FlagIdleStart {
			continue
		}
		pos := rec.Position()
		if i, found := r.search(pos); found {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s and %s at %s", ErrHashCollision, name, r.entries[i].name, pos))
			continue
		}
		r.insert(entry{hash: pos, name: name})
		rec.Flag = FlagStart
		change.Added = append(change.Added, name)
	}
	r.recomputeRanges()

	for _, name := range r.order {
		rec := r.nodes[name]
		if rec.Flag != FlagStartStop {
			continue
		}
		i, found := r.search(rec.Position())
		if !found || r.entries[i].name != name {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s staged for removal without a ring position", ErrConsistency, name))
			continue
		}
		r.entries = append(r.entries[:i], r.entries[i+1:]...)
		rec.Flag = FlagStop
		rec.Range = HashRange{}
		change.Removed = append(change.Removed, name)
	}
	r.recomputeRanges()

	return change, errs
}

// Promote stages an IDLE node and commits the ring. The commit error is
// returned even when it concerns another staged node; if name itself could
// not be placed it is unstaged back to IDLE.
func (r *HashRing) Promote(name string) error {
	if err := r.AddServer(name); err != nil {
		return err
	}
	_, err := r.UpdateRing()
	if err != nil && !r.OnRing(name) {
		err = multierr.Append(err, r.RemoveServer(name))
	}
	return err
}

// ServerByHash returns the owner of h: the node at the first ring position
// at or after h, wrapping to the lowest position. Nil on an empty ring.
func (r *HashRing) ServerByHash(h HashValue) *NodeRecord {
	if len(r.entries) == 0 {
		return nil
	}
	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].hash.Compare(h) >= 0
	})
	if i == len(r.entries) {
		i = 0
	}
	return r.nodes[r.entries[i].name].clone()
}

// ServerByObjectKey returns the owner of an object key.
func (r *HashRing) ServerByObjectKey(key string) *NodeRecord {
	return r.ServerByHash(HashOf(key))
}

// SuccessorServer returns the next node clockwise, or nil when the node is
// alone or not on the ring.
func (r *HashRing) SuccessorServer(name string) *NodeRecord {
	return r.neighbour(name, 1)
}

// PredecessorServer returns the previous node clockwise, or nil when the
// node is alone or not on the ring.
func (r *HashRing) PredecessorServer(name string) *NodeRecord {
	return r.neighbour(name, -1)
}

// Successors returns up to n distinct nodes following name clockwise.
func (r *HashRing) Successors(name string, n int) []*NodeRecord {
	i := r.indexOf(name)
	if i < 0 {
		return nil
	}
	var out []*NodeRecord
	for step := 1; step < len(r.entries) && len(out) < n; step++ {
		e := r.entries[(i+step)%len(r.entries)]
		out = append(out, r.nodes[e.name].clone())
	}
	return out
}

// ServerHashRange returns [hash(node), hash(successor)), using the node
// itself when it has no successor.
func (r *HashRing) ServerHashRange(name string) (HashRange, error) {
	i := r.indexOf(name)
	if i < 0 {
		return HashRange{}, fmt.Errorf("%w: %s", ErrNotOnRing, name)
	}
	next := r.entries[(i+1)%len(r.entries)]
	return HashRange{Lower: r.entries[i].hash, Upper: next.hash}, nil
}

// Server returns a copy of the named record, or nil.
func (r *HashRing) Server(name string) *NodeRecord {
	rec, ok := r.nodes[name]
	if !ok {
		return nil
	}
	return rec.clone()
}

// SetFlag changes a node's flag without touching ring membership. Only
// flags consistent with the node's current ring membership are accepted.
func (r *HashRing) SetFlag(name string, flag Flag) error {
	rec, ok := r.nodes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	onRing := r.indexOf(name) >= 0
	if onRing && !flag.IsOnRing() && flag != FlagStartStop {
		return fmt.Errorf("%w: %s is on the ring, cannot become %s", ErrInvalidTransition, name, flag)
	}
	if !onRing && flag.IsOnRing() {
		return fmt.Errorf("%w: %s is not on the ring, cannot become %s", ErrInvalidTransition, name, flag)
	}
	rec.Flag = flag
	return nil
}

// ResolveShadows returns every recovery-shadow flag to its plain form and
// reports the resolved nodes in registration order. A committed node whose
// plain form would be IDLE_START resolves to START since it already holds
// a ring position.
func (r *HashRing) ResolveShadows() []*NodeRecord {
	var out []*NodeRecord
	for _, name := range r.order {
		rec := r.nodes[name]
		if !rec.Flag.IsRecovering() {
			continue
		}
		plain := rec.Flag.Plain()
		if plain == FlagIdleStart && r.indexOf(name) >= 0 {
			plain = FlagStart
		}
		rec.Flag = plain
		out = append(out, rec.clone())
	}
	return out
}

// SetCache records the cache configuration a node was initialized with.
func (r *HashRing) SetCache(name string, cache CacheConfig) error {
	rec, ok := r.nodes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	rec.Cache = cache
	return nil
}

// OnRing reports whether the node currently holds a ring position.
func (r *HashRing) OnRing(name string) bool {
	return r.indexOf(name) >= 0
}

// FilterServers returns every configured node matching pred, in
// registration order.
func (r *HashRing) FilterServers(pred func(*NodeRecord) bool) []*NodeRecord {
	var out []*NodeRecord
	for _, name := range r.order {
		if rec := r.nodes[name]; pred(rec) {
			out = append(out, rec.clone())
		}
	}
	return out
}

// ForEachServer calls fn with a copy of every configured node.
func (r *HashRing) ForEachServer(fn func(*NodeRecord)) {
	for _, name := range r.order {
		fn(r.nodes[name].clone())
	}
}

// FindServer returns the first node in registration order matching pred.
func (r *HashRing) FindServer(pred func(*NodeRecord) bool) *NodeRecord {
	for _, name := range r.order {
		if rec := r.nodes[name]; pred(rec) {
			return rec.clone()
		}
	}
	return nil
}

// Servers returns the on-ring nodes in ring order.
func (r *HashRing) Servers() []*NodeRecord {
	out := make([]*NodeRecord, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, r.nodes[e.name].clone())
	}
	return out
}

// Nodes returns every configured node in registration order.
func (r *HashRing) Nodes() []*NodeRecord {
	return r.FilterServers(func(*NodeRecord) bool { return true })
}

// Positions returns the ring positions in ascending order.
func (r *HashRing) Positions() []HashValue {
	out := make([]HashValue, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.hash
	}
	return out
}

// Len is the number of on-ring nodes.
func (r *HashRing) Len() int {
	return len(r.entries)
}

func (r *HashRing) neighbour(name string, step int) *NodeRecord {
	i := r.indexOf(name)
	if i < 0 || len(r.entries) < 2 {
		return nil
	}
	n := len(r.entries)
	e := r.entries[((i+step)%n+n)%n]
	return r.nodes[e.name].clone()
}

// search finds the index of pos, or where it would be inserted.
func (r *HashRing) search(pos HashValue) (int, bool) {
	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].hash.Compare(pos) >= 0
	})
	return i, i < len(r.entries) && r.entries[i].hash == pos
}

func (r *HashRing) indexOf(name string) int {
	rec, ok := r.nodes[name]
	if !ok {
		return -1
	}
	i, found := r.search(rec.Position())
	if !found || r.entries[i].name != name {
		return -1
	}
	return i
}

func (r *HashRing) insert(e entry) {
	i, _ := r.search(e.hash)
	r.entries = append(r.entries, entry{})
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = e
}

func (r *HashRing) recomputeRanges() {
	n := len(r.entries)
	for i, e := range r.entries {
		next := r.entries[(i+1)%n]
		r.nodes[e.name].Range = HashRange{Lower: e.hash, Upper: next.hash}
	}
}
