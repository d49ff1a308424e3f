package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/arohanajit/kvstore-ecs/internal/cluster"
	"github.com/arohanajit/kvstore-ecs/internal/hashring"
	"github.com/arohanajit/kvstore-ecs/internal/storage"
)

const maxBodySize = 1 << 20

// ClusterCoordinator is the set of coordinator operations the admin API
// exposes. Mutators return the error of that very call.
type ClusterCoordinator interface {
	StartNodes(ctx context.Context) error
	StopNodes(ctx context.Context) error
	ShutdownNodes(ctx context.Context) error
	JoinNode(ctx context.Context, strategy hashring.CacheStrategy, size int) (*hashring.NodeRecord, error)
	JoinNodes(ctx context.Context, count int, strategy hashring.CacheStrategy, size int) ([]*hashring.NodeRecord, error)
	LeaveNodes(ctx context.Context, names []string) error
	Nodes() []*hashring.NodeRecord
	Node(name string) *hashring.NodeRecord
	Ring() hashring.Snapshot
	LookupKey(key string) *hashring.NodeRecord
	LatestSnapshot(ctx context.Context) (storage.Record, error)
}

// ClusterHandler handles cluster management API endpoints
type ClusterHandler struct {
	coordinator ClusterCoordinator
}

// NewClusterHandler creates a new instance of ClusterHandler
func NewClusterHandler(c ClusterCoordinator) *ClusterHandler {
	return &ClusterHandler{
		coordinator: c,
	}
}

type addNodeRequest struct {
	Count     int                    `json:"count"`
	Strategy  hashring.CacheStrategy `json:"strategy"`
	CacheSize int                    `json:"cache_size"`
}

// validateCache accepts an empty cache config, which selects the default
func (req addNodeRequest) validateCache() error {
	if req.Strategy == "" && req.CacheSize == 0 {
		return nil
	}
	return hashring.CacheConfig{Strategy: req.Strategy, Size: req.CacheSize}.Validate()
}

type removeNodesRequest struct {
	Names []string `json:"names"`
}

type resultResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type lookupResponse struct {
	Key  string               `json:"key"`
	Hash hashring.HashValue   `json:"hash"`
	Node *hashring.NodeRecord `json:"node"`
}

// RegisterRoutes registers cluster management routes
func (h *ClusterHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ecs/start", h.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/ecs/stop", h.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/ecs/shutdown", h.handleShutdown).Methods(http.MethodPost)
	r.HandleFunc("/ecs/nodes", h.handleAddNode).Methods(http.MethodPost)
	r.HandleFunc("/ecs/nodes/batch", h.handleAddNodes).Methods(http.MethodPost)
	r.HandleFunc("/ecs/nodes/remove", h.handleRemoveNodes).Methods(http.MethodPost)
	r.HandleFunc("/ecs/nodes/{name}", h.handleRemoveNode).Methods(http.MethodDelete)
	r.HandleFunc("/ecs/nodes", h.handleListNodes).Methods(http.MethodGet)
	r.HandleFunc("/ecs/nodes/{name}", h.handleGetNode).Methods(http.MethodGet)
	r.HandleFunc("/ecs/ring", h.handleRing).Methods(http.MethodGet)
	r.HandleFunc("/ecs/lookup/{key}", h.handleLookup).Methods(http.MethodGet)
	r.HandleFunc("/ecs/snapshot", h.handleSnapshot).Methods(http.MethodGet)
}

func (h *ClusterHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.coordinator.StartNodes(r.Context()))
}

func (h *ClusterHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.coordinator.StopNodes(r.Context()))
}

func (h *ClusterHandler) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.coordinator.ShutdownNodes(r.Context()))
}

// handleAddNode handles POST /ecs/nodes requests
func (h *ClusterHandler) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var req addNodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.validateCache(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	node, err := h.coordinator.JoinNode(r.Context(), req.Strategy, req.CacheSize)
	if node == nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

// handleAddNodes handles POST /ecs/nodes/batch requests
func (h *ClusterHandler) handleAddNodes(w http.ResponseWriter, r *http.Request) {
	var req addNodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Count <= 0 {
		http.Error(w, "count must be positive", http.StatusBadRequest)
		return
	}
	if err := req.validateCache(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	nodes, _ := h.coordinator.JoinNodes(r.Context(), req.Count, req.Strategy, req.CacheSize)
	if nodes == nil {
		nodes = []*hashring.NodeRecord{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

// handleRemoveNode handles DELETE /ecs/nodes/{name} requests
func (h *ClusterHandler) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if h.coordinator.Node(name) == nil {
		http.Error(w, "node not found", http.StatusNotFound)
		return
	}
	h.remove(w, r, []string{name})
}

// handleRemoveNodes handles POST /ecs/nodes/remove requests
func (h *ClusterHandler) handleRemoveNodes(w http.ResponseWriter, r *http.Request) {
	var req removeNodesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Names) == 0 {
		http.Error(w, "names are required", http.StatusBadRequest)
		return
	}
	h.remove(w, r, req.Names)
}

func (h *ClusterHandler) remove(w http.ResponseWriter, r *http.Request, names []string) {
	err := h.coordinator.LeaveNodes(r.Context(), names)
	if cluster.IsPolicyError(err) {
		writeJSON(w, http.StatusConflict, resultResponse{Success: false, Error: err.Error()})
		return
	}
	writeResult(w, err)
}

// handleListNodes handles GET /ecs/nodes requests
func (h *ClusterHandler) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coordinator.Nodes())
}

// handleGetNode handles GET /ecs/nodes/{name} requests
func (h *ClusterHandler) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node := h.coordinator.Node(mux.Vars(r)["name"])
	if node == nil {
		http.Error(w, "node not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// handleRing handles GET /ecs/ring requests
func (h *ClusterHandler) handleRing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coordinator.Ring())
}

// handleLookup handles GET /ecs/lookup/{key} requests
func (h *ClusterHandler) handleLookup(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	node := h.coordinator.LookupKey(key)
	if node == nil {
		http.Error(w, "ring is empty", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, lookupResponse{Key: key, Hash: hashring.HashOf(key), Node: node})
}

// handleSnapshot handles GET /ecs/snapshot requests
func (h *ClusterHandler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	rec, err := h.coordinator.LatestSnapshot(r.Context())
	if errors.Is(err, storage.ErrSnapshotNotFound) {
		http.Error(w, "no snapshot persisted yet", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeResult(w http.ResponseWriter, err error) {
	resp := resultResponse{Success: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeFailure(w http.ResponseWriter, err error) {
	status := http.StatusServiceUnavailable
	if cluster.IsPolicyError(err) {
		status = http.StatusConflict
	}
	resp := resultResponse{Success: false}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, status, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
