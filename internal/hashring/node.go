package hashring

import (
	"fmt"
	"strings"
)

// Flag is the lifecycle state of a storage node as seen by the coordinator.
type Flag int

const (
	// FlagIdle marks a configured node that holds no part of the ring.
	FlagIdle Flag = iota
	// FlagIdleStart marks a node staged for insertion by the next ring update.
	FlagIdleStart
	// FlagStart marks an on-ring node serving client requests.
	FlagStart
	// FlagStop marks an on-ring node that is not serving client requests.
	FlagStop
	// FlagStartStop marks an on-ring node staged for removal by the next ring update.
	FlagStartStop
	// FlagShutDown is terminal: the node has been dropped and told to exit.
	FlagShutDown
	FlagRecoverStart
	FlagRecoverStop
	FlagRecoverIdleStart
)

var flagNames = map[Flag]string{
	FlagIdle:             "IDLE",
	FlagIdleStart:        "IDLE_START",
	FlagStart:            "START",
	FlagStop:             "STOP",
	FlagStartStop:        "START_STOP",
	FlagShutDown:         "SHUT_DOWN",
	FlagRecoverStart:     "RECOVER_START",
	FlagRecoverStop:      "RECOVER_STOP",
	FlagRecoverIdleStart: "RECOVER_IDLE_START",
}

func (f Flag) String() string {
	if name, ok := flagNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Flag(%d)", int(f))
}

// ParseFlag is the inverse of Flag.String.
func ParseFlag(s string) (Flag, error) {
	for f, name := range flagNames {
		if strings.EqualFold(name, s) {
			return f, nil
		}
	}
	return FlagIdle, fmt.Errorf("unknown flag %q", s)
}

func (f Flag) MarshalText() ([]byte, error) {
	if _, ok := flagNames[f]; !ok {
		return nil, fmt.Errorf("unknown flag %d", int(f))
	}
	return []byte(f.String()), nil
}

func (f *Flag) UnmarshalText(text []byte) error {
	v, err := ParseFlag(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// IsOnRing reports whether a node with this flag occupies a ring position.
func (f Flag) IsOnRing() bool {
	switch f {
	case FlagStart, FlagStop, FlagRecoverStart, FlagRecoverStop, FlagRecoverIdleStart:
		return true
	}
	return false
}

// IsAlive reports whether a node with this flag is expected to answer
// heartbeats. This is the probe set of the heartbeat monitor.
func (f Flag) IsAlive() bool {
	return f == FlagStart || f == FlagStop
}

// IsRecovering reports whether f is a recovery-shadow flag.
func (f Flag) IsRecovering() bool {
	return f == FlagRecoverStart || f == FlagRecoverStop || f == FlagRecoverIdleStart
}

// IsParticipating reports whether the node should receive membership updates.
func (f Flag) IsParticipating() bool {
	return f != FlagIdle && f != FlagShutDown
}

// Shadow maps a plain flag onto its recovery-shadow form.
func (f Flag) Shadow() Flag {
	switch f {
	case FlagStart:
		return FlagRecoverStart
	case FlagStop:
		return FlagRecoverStop
	case FlagIdleStart:
		return FlagRecoverIdleStart
	}
	return f
}

// Plain maps a recovery-shadow flag back onto its plain form.
func (f Flag) Plain() Flag {
	switch f {
	case FlagRecoverStart:
		return FlagStart
	case FlagRecoverStop:
		return FlagStop
	case FlagRecoverIdleStart:
		return FlagIdleStart
	}
	return f
}

// CacheStrategy names the eviction policy a storage node runs.
type CacheStrategy string

const (
	CacheFIFO CacheStrategy = "FIFO"
	CacheLRU  CacheStrategy = "LRU"
	CacheLFU  CacheStrategy = "LFU"
)

// CacheConfig is handed to a node when it is (re)initialized.
type CacheConfig struct {
	Strategy CacheStrategy `json:"strategy"`
	Size     int           `json:"size"`
}

// Validate checks the strategy name and size.
func (c CacheConfig) Validate() error {
	switch CacheStrategy(strings.ToUpper(string(c.Strategy))) {
	case CacheFIFO, CacheLRU, CacheLFU:
	default:
		return fmt.Errorf("unknown cache strategy %q", c.Strategy)
	}
	if c.Size <= 0 {
		return fmt.Errorf("cache size must be positive, got %d", c.Size)
	}
	return nil
}

// Normalize upper-cases the strategy name.
func (c CacheConfig) Normalize() CacheConfig {
	c.Strategy = CacheStrategy(strings.ToUpper(string(c.Strategy)))
	return c
}

// NodeRecord describes one configured storage node.
type NodeRecord struct {
	Name  string      `json:"name"`
	Host  string      `json:"host"`
	Port  int         `json:"port"`
	Flag  Flag        `json:"flag"`
	Range HashRange   `json:"range"`
	Cache CacheConfig `json:"cache"`
}

// Key is the node's identity on the ring, host:port.
func (n *NodeRecord) Key() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// Position is the ring position derived from Key.
func (n *NodeRecord) Position() HashValue {
	return HashOf(n.Key())
}

func (n *NodeRecord) clone() *NodeRecord {
	c := *n
	return &c
}
