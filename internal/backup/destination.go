package backup

import "context"

// Destination is one configured storage backend capable of durably
// storing a backup artifact.
type Destination interface {
	// ID returns a stable identifier for this configured instance,
	// combining the backend type and the configured disk name.
	ID() string

	// Enabled probes the backend for reachability. It never returns an
	// error; any probe failure reports false.
	Enabled(ctx context.Context) bool

	// Store ships the local artifact to the backend and returns the
	// remote path it was written to.
	Store(ctx context.Context, record *Record, localPath, filename string) (string, error)

	// Delete removes a previously stored artifact.
	Delete(ctx context.Context, path string) error

	// Exists reports whether a stored artifact is still present.
	Exists(ctx context.Context, path string) (bool, error)
}

// Registry holds the configured destination set. It is constructed once
// at process bootstrap and passed by reference to the Coordinator and
// the Cleanup engine.
type Registry struct {
	order        []string
	destinations map[string]Destination
}

func NewRegistry() *Registry {
	return &Registry{destinations: make(map[string]Destination)}
}

// Register adds a destination. Registering the same ID twice replaces
// the earlier instance.
func (r *Registry) Register(d Destination) {
	id := d.ID()
	if _, ok := r.destinations[id]; !ok {
		r.order = append(r.order, id)
	}
	r.destinations[id] = d
}

// Get returns the destination with the given ID, or nil if unknown.
func (r *Registry) Get(id string) Destination {
	return r.destinations[id]
}

// All returns every registered destination in registration order.
func (r *Registry) All() []Destination {
	out := make([]Destination, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.destinations[id])
	}
	return out
}

// EnabledDestinations returns the destinations whose reachability probe
// passes, in registration order.
func (r *Registry) EnabledDestinations(ctx context.Context) []Destination {
	var out []Destination
	for _, id := range r.order {
		if d := r.destinations[id]; d.Enabled(ctx) {
			out = append(out, d)
		}
	}
	return out
}
