// Package protocol defines the daemon API request/response types.
package protocol

import (
	"github.com/drivemirror/drivemirror/internal/meta"
	"github.com/drivemirror/drivemirror/internal/resolver"
)

// Error kinds carried in ErrorResponse.Kind. Clients dispatch on these
// instead of parsing the message text.
const (
	KindNotFound       = "not_found"
	KindInvalidPath    = "invalid_path"
	KindAlreadyRunning = "already_running"
	KindUnsupported    = "unsupported"
	KindUnimplemented  = "unimplemented"
	KindBadRequest     = "bad_request"
	KindGateway        = "gateway"
	KindInternal       = "internal"
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
	Kind  string `json:"kind"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Offline bool   `json:"offline"`
}

// MetadataResponse is returned by GET /api/v1/meta/{id}.
type MetadataResponse struct {
	Metadata *meta.Metadata `json:"metadata"`
}

// ResolveResponse is returned by GET /api/v1/resolve?path=...
type ResolveResponse struct {
	Path string  `json:"path"`
	ID   meta.ID `json:"id"`
}

// LookupResponse is returned by GET /api/v1/lookup?parent=...&name=...
type LookupResponse struct {
	Parent meta.ID `json:"parent"`
	Name   string  `json:"name"`
	ID     meta.ID `json:"id"`
}

// ChildrenResponse is returned by GET /api/v1/objects/{id}/children.
// Entries starts at the requested offset; Total is the full listing size.
type ChildrenResponse struct {
	ID      meta.ID             `json:"id"`
	Offset  int                 `json:"offset"`
	Total   int                 `json:"total"`
	Entries []resolver.DirEntry `json:"entries"`
}

// SyncResponse is returned by POST /api/v1/sync.
type SyncResponse struct {
	Status string `json:"status"`
}

// OfflineRequest is the body for PUT /api/v1/offline.
type OfflineRequest struct {
	Offline bool `json:"offline"`
}

// OfflineResponse is returned by PUT /api/v1/offline.
type OfflineResponse struct {
	Offline bool `json:"offline"`
}
