// Package registry tracks active gateway streams. It is injected into
// request handlers rather than held as process-wide state so it can later
// be sharded or externalized without touching call sites.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.jetify.com/typeid"
)

// StreamScope describes one live browser stream.
type StreamScope struct {
	ID          string
	ProjectID   string
	Channel     string
	Topics      []string
	ConnectedAt time.Time
}

// Registry is a thread-safe mapping of stream IDs to stream scopes.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*StreamScope
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{streams: make(map[string]*StreamScope)}
}

// Register records a new stream and returns its ID.
func (r *Registry) Register(projectID, chann string, topics []string) string {
	id := newStreamID()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[id] = &StreamScope{
		ID:          id,
		ProjectID:   projectID,
		Channel:     chann,
		Topics:      append([]string(nil), topics...),
		ConnectedAt: time.Now().UTC(),
	}
	return id
}

// Release removes a stream. Releasing an unknown ID is a no-op.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, id)
}

// Lookup retrieves a stream scope by ID.
func (r *Registry) Lookup(id string) (*StreamScope, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scope, ok := r.streams[id]
	return scope, ok
}

// ActiveForProject counts live streams for a project.
func (r *Registry) ActiveForProject(projectID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, scope := range r.streams {
		if scope.ProjectID == projectID {
			n++
		}
	}
	return n
}

// Len returns the total number of live streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

func newStreamID() string {
	id, err := typeid.WithPrefix("strm")
	if err == nil && strings.TrimSpace(id.String()) != "" {
		return id.String()
	}
	return fmt.Sprintf("strm-%d", time.Now().UTC().UnixNano())
}
