// Package store defines the persistence layer contract for the spec registry.
//
// A Store holds multi-version entries keyed by entity kind and id. Available
// implementations:
//
//   - memory: in-memory store for development and testing
//   - local: one JSON file per entry under a root directory
//   - s3: object-store layout with conditional metadata writes
//   - mongo: one document per entry, suitable for production persistence
//
// To add a new implementation, create a subpackage that implements the Store
// interface, returns store.ErrNotFound for missing entries and replaces an
// entry atomically on Save. The registry serializes writes per entry, so
// backends need no entry-level locking of their own, but concurrent readers
// must always observe a complete entry.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Kind names an entity family held by the registry. The value doubles as the
// path segment used by the file and object-store backends.
type Kind string

// Entity kinds.
const (
	Workflows Kind = "workflows"
	Nodes     Kind = "nodes"
	Edges     Kind = "edges"
	Tools     Kind = "tools"
)

// Kinds returns every entity kind, in a stable order.
func Kinds() []Kind {
	return []Kind{Workflows, Nodes, Edges, Tools}
}

// Singular returns the kind's singular noun for messages ("workflow", "tool").
func (k Kind) Singular() string {
	s := string(k)
	if len(s) > 0 && s[len(s)-1] == 's' {
		return s[:len(s)-1]
	}
	return s
}

// Errors returned by Store implementations. The registry translates them into
// its public error kinds.
var (
	// ErrNotFound reports a missing entry.
	ErrNotFound = errors.New("entry not found")
	// ErrConflict reports a concurrent modification detected by a backend
	// with conditional-write support.
	ErrConflict = errors.New("entry modified concurrently")
)

type (
	// Entry is the multi-version container persisted per entity. The zero
	// Versions map is never stored; Save callers populate at least one
	// record.
	Entry struct {
		// ID is the entity identifier, unique within its kind.
		ID string `json:"id"`
		// Versions maps version strings to their records.
		Versions map[string]*VersionRecord `json:"versions"`
		// UpdatedAt is the time of the last write to any version.
		UpdatedAt time.Time `json:"updated_at,omitzero"`
	}

	// VersionRecord is one stored revision of an entity.
	VersionRecord struct {
		// Version is the semantic version string.
		Version string `json:"version"`
		// Spec is the serialized entity spec.
		Spec json.RawMessage `json:"spec"`
		// CreatedAt is the time the version was first written.
		CreatedAt time.Time `json:"created_at"`
		// UpdatedAt is the time of the last write to this version.
		UpdatedAt time.Time `json:"updated_at,omitzero"`
		// IsPublished marks the version immutable.
		IsPublished bool `json:"is_published"`
		// Metadata carries caller-supplied annotations.
		Metadata map[string]any `json:"metadata,omitempty"`
	}
)

// Store is the persistence contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Load returns the entry for (kind, id), or ErrNotFound.
	Load(ctx context.Context, kind Kind, id string) (*Entry, error)

	// Save stores or atomically replaces the entry for (kind, entry.ID).
	Save(ctx context.Context, kind Kind, entry *Entry) error

	// Delete removes the entry for (kind, id), or returns ErrNotFound.
	Delete(ctx context.Context, kind Kind, id string) error

	// List returns the ids of all entries of the kind, in no particular
	// order. An empty slice means none.
	List(ctx context.Context, kind Kind) ([]string, error)
}

// Clone returns a deep copy of the entry. Stores hand out and accept clones
// so callers can mutate entries without racing backend state.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := &Entry{ID: e.ID, UpdatedAt: e.UpdatedAt}
	if e.Versions != nil {
		out.Versions = make(map[string]*VersionRecord, len(e.Versions))
		for v, rec := range e.Versions {
			out.Versions[v] = rec.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the record.
func (r *VersionRecord) Clone() *VersionRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Spec != nil {
		out.Spec = make(json.RawMessage, len(r.Spec))
		copy(out.Spec, r.Spec)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
