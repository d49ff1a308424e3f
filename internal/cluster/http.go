package cluster

import (
	"context"
	"encoding/json"
	"net/http"
)

// RequestHandler is the storage node side of the protocol
type RequestHandler func(ctx context.Context, req Request) Response

// NodeHandler serves coordinator requests on NodePath. Storage nodes mount
// it; the coordinator's tests use it to stand in for real nodes.
type NodeHandler struct {
	handle RequestHandler
}

// NewNodeHandler creates a new NodeHandler instance
func NewNodeHandler(handle RequestHandler) *NodeHandler {
	return &NodeHandler{handle: handle}
}

// ServeHTTP decodes a Request and encodes the handler's Response
func (h *NodeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	resp := h.handle(r.Context(), req)
	if resp.ID == "" {
		resp.ID = req.ID
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// AlwaysAlive answers heartbeats with the alive marker and everything else
// with success
func AlwaysAlive(_ context.Context, req Request) Response {
	if req.Status == StatusHeartbeat {
		return Response{ID: req.ID, Status: StatusHeartbeatAlive}
	}
	return Response{ID: req.ID, Status: StatusSuccess}
}
