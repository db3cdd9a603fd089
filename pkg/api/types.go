package api

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse reports the node and its store backend
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the base structure for all pushed WebSocket messages
type WSMessage struct {
	Type    string `json:"type"`    // "order_evented"
	Channel string `json:"channel"` // e.g. "instrument:1"
	Data    any    `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["instrument:1", "account:42"]
}
