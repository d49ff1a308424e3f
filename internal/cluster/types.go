package cluster

import (
	"github.com/arohanajit/kvstore-ecs/internal/hashring"
	"github.com/arohanajit/kvstore-ecs/internal/utils"
)

// StatusCode tags every coordinator <-> storage node message
type StatusCode string

const (
	// StatusHeartbeat asks a node whether it is alive
	StatusHeartbeat StatusCode = "HEARTBEAT"
	// StatusHeartbeatAlive is the only valid answer to StatusHeartbeat
	StatusHeartbeatAlive StatusCode = "HEARTBEAT_ALIVE"

	// Control
	StatusStart    StatusCode = "START"
	StatusStop     StatusCode = "STOP"
	StatusShutdown StatusCode = "SHUTDOWN"
	StatusInit     StatusCode = "INIT"

	// Data movement
	StatusWriteLock       StatusCode = "WRITE_LOCK"
	StatusWriteUnlock     StatusCode = "WRITE_UNLOCK"
	StatusMoveData        StatusCode = "MOVE_DATA"
	StatusMoveReplicaData StatusCode = "MOVE_REPLICA_DATA"
	StatusReplicateNow    StatusCode = "REPLICATE_NOW"

	StatusUpdateMetadata StatusCode = "UPDATE_METADATA"

	// Responses
	StatusSuccess StatusCode = "SUCCESS"
	StatusError   StatusCode = "ERROR"
)

// MetadataKind says why a membership snapshot was sent
type MetadataKind string

const (
	MetadataNodeAdded   MetadataKind = "node_added"
	MetadataNodeRemoved MetadataKind = "node_removed"
	MetadataRecovery    MetadataKind = "recovery"
	MetadataStart       MetadataKind = "start"
	MetadataStop        MetadataKind = "stop"
	MetadataShutdown    MetadataKind = "shutdown"
	MetadataCheckpoint  MetadataKind = "checkpoint"
)

// NodeDescriptor identifies the recipient of a metadata update
type NodeDescriptor struct {
	Name string        `json:"name"`
	Host string        `json:"host"`
	Port int           `json:"port"`
	Flag hashring.Flag `json:"flag"`
}

// Metadata is the membership snapshot pushed to storage nodes
type Metadata struct {
	Kind MetadataKind      `json:"kind"`
	Node NodeDescriptor    `json:"node"`
	Ring hashring.Snapshot `json:"ring"`
}

// KVEntry is one key/value pair in a data movement batch
type KVEntry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Request is sent from the coordinator to a storage node
type Request struct {
	ID       string                `json:"id"`
	Status   StatusCode            `json:"status"`
	Range    *hashring.HashRange   `json:"range,omitempty"`
	Target   string                `json:"target,omitempty"` // host:port receiving moved data
	Metadata *Metadata             `json:"metadata,omitempty"`
	Cache    *hashring.CacheConfig `json:"cache,omitempty"`
	Entries  []KVEntry             `json:"entries,omitempty"`
}

// Response is a storage node's answer
type Response struct {
	ID      string     `json:"id"`
	Status  StatusCode `json:"status"`
	Message string     `json:"message,omitempty"`
}

// NewRequest creates a request with a fresh ID
func NewRequest(status StatusCode) Request {
	return Request{
		ID:     utils.GenerateRequestID(),
		Status: status,
	}
}

func describe(n *hashring.NodeRecord) NodeDescriptor {
	return NodeDescriptor{Name: n.Name, Host: n.Host, Port: n.Port, Flag: n.Flag}
}
