// Package registry provides versioned storage for workflow, node, edge and
// tool specs. Every entity is stored as a multi-version entry keyed by id;
// versions follow semver, saves auto-increment the patch number when no
// explicit version is given and published versions are immutable.
//
// The registry is stateless over a store.Store backend. Reads go straight to
// the backend; writes are serialized per entity so load-modify-store cycles
// do not clobber each other. Backends only need an atomic single-entry
// replace.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"goa.design/flow/registry/store"
	"goa.design/flow/telemetry"
)

type (
	// Registry is the versioned spec service. Use New to create one.
	Registry struct {
		store  store.Store
		logger telemetry.Logger
		now    func() time.Time

		mu    sync.Mutex
		locks map[string]*sync.Mutex
	}

	// Option configures a Registry.
	Option func(*Registry)

	// SaveOption configures a single save.
	SaveOption func(*saveOptions)

	saveOptions struct {
		version  string
		metadata map[string]any
	}
)

// firstVersion is assigned when an entity has no prior versions and the
// caller did not pick one.
const firstVersion = "1.0.0"

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger telemetry.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithClock overrides the time source used for version timestamps. Tests use
// it to pin CreatedAt and UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithVersion pins the version assigned by a save instead of letting the
// registry increment the latest patch number.
func WithVersion(version string) SaveOption {
	return func(o *saveOptions) { o.version = version }
}

// WithMetadata attaches caller metadata to the saved version record.
func WithMetadata(metadata map[string]any) SaveOption {
	return func(o *saveOptions) { o.metadata = metadata }
}

// New creates a registry over the given backend.
func New(s store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:  s,
		logger: telemetry.NewNoopLogger(),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Save stores spec as a new version of (kind, id) and returns the assigned
// version string. The version comes from WithVersion or is the patch
// increment of the semantically-latest stored version (1.0.0 when the entity
// is new). Saving over an existing version fails with version_exists, or
// immutable_version when that version is published.
func (r *Registry) Save(ctx context.Context, kind store.Kind, id string, spec any, opts ...SaveOption) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%s id is required", kind.Singular())
	}
	var so saveOptions
	for _, opt := range opts {
		opt(&so)
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("marshal %s %q: %w", kind.Singular(), id, err)
	}

	lock := r.entityLock(kind, id)
	lock.Lock()
	defer lock.Unlock()

	entry, err := r.store.Load(ctx, kind, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		entry = &store.Entry{ID: id, Versions: make(map[string]*store.VersionRecord)}
	case err != nil:
		return "", WrapError(KindBackendUnavailable, err, "load %s %q", kind.Singular(), id)
	}
	if entry.Versions == nil {
		entry.Versions = make(map[string]*store.VersionRecord)
	}

	version := so.version
	if version != "" {
		if _, err := semver.NewVersion(version); err != nil {
			return "", fmt.Errorf("invalid version %q: %w", version, err)
		}
		if existing, ok := entry.Versions[version]; ok {
			if existing.IsPublished {
				return "", NewError(KindImmutableVersion, "%s %q version %s is published", kind.Singular(), id, version).
					WithDetails("id", id, "version", version)
			}
			return "", NewError(KindVersionExists, "%s %q already has version %s", kind.Singular(), id, version).
				WithDetails("id", id, "version", version)
		}
	} else {
		version = nextPatch(entry)
	}

	now := r.now().UTC()
	entry.Versions[version] = &store.VersionRecord{
		Version:   version,
		Spec:      raw,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  so.metadata,
	}
	entry.UpdatedAt = now
	if err := r.store.Save(ctx, kind, entry); err != nil {
		return "", WrapError(KindBackendUnavailable, err, "store %s %q version %s", kind.Singular(), id, version)
	}
	r.logger.Debug(ctx, "saved spec", "kind", kind, "id", id, "version", version)
	return version, nil
}

// Get returns the stored record for (kind, id) at the given version, or the
// semantically-latest version when version is empty.
func (r *Registry) Get(ctx context.Context, kind store.Kind, id, version string) (*store.VersionRecord, error) {
	entry, err := r.loadEntry(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if version == "" {
		version = latestVersion(entry)
		if version == "" {
			return nil, NewError(KindNotFound, "%s %q has no versions", kind.Singular(), id).
				WithDetails("id", id)
		}
	}
	rec, ok := entry.Versions[version]
	if !ok {
		return nil, NewError(KindNotFound, "%s %q has no version %s", kind.Singular(), id, version).
			WithDetails("id", id, "version", version)
	}
	return rec, nil
}

// Delete removes the entity and all of its versions.
func (r *Registry) Delete(ctx context.Context, kind store.Kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s id is required", kind.Singular())
	}
	lock := r.entityLock(kind, id)
	lock.Lock()
	defer lock.Unlock()

	err := r.store.Delete(ctx, kind, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return NewError(KindNotFound, "%s %q not found", kind.Singular(), id).WithDetails("id", id)
	case err != nil:
		return WrapError(KindBackendUnavailable, err, "delete %s %q", kind.Singular(), id)
	}
	r.logger.Debug(ctx, "deleted spec", "kind", kind, "id", id)
	return nil
}

// List returns the ids of all stored entities of the kind, sorted.
func (r *Registry) List(ctx context.Context, kind store.Kind) ([]string, error) {
	ids, err := r.store.List(ctx, kind)
	if err != nil {
		return nil, WrapError(KindBackendUnavailable, err, "list %s", kind)
	}
	sort.Strings(ids)
	return ids, nil
}

// Versions returns the stored version strings for (kind, id) in ascending
// semver order.
func (r *Registry) Versions(ctx context.Context, kind store.Kind, id string) ([]string, error) {
	entry, err := r.loadEntry(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	parsed := make([]*semver.Version, 0, len(entry.Versions))
	for v := range entry.Versions {
		sv, err := semver.NewVersion(v)
		if err != nil {
			continue
		}
		parsed = append(parsed, sv)
	}
	sort.Sort(semver.Collection(parsed))
	out := make([]string, len(parsed))
	for i, sv := range parsed {
		out[i] = sv.Original()
	}
	return out, nil
}

// Publish marks the given version immutable. Publishing an already published
// version is a no-op. Once published, saves and republishes of the version
// fail with immutable_version and version_exists respectively.
func (r *Registry) Publish(ctx context.Context, kind store.Kind, id, version string) error {
	if id == "" {
		return fmt.Errorf("%s id is required", kind.Singular())
	}
	if version == "" {
		return errors.New("version is required")
	}
	lock := r.entityLock(kind, id)
	lock.Lock()
	defer lock.Unlock()

	entry, err := r.loadEntry(ctx, kind, id)
	if err != nil {
		return err
	}
	rec, ok := entry.Versions[version]
	if !ok {
		return NewError(KindNotFound, "%s %q has no version %s", kind.Singular(), id, version).
			WithDetails("id", id, "version", version)
	}
	if rec.IsPublished {
		return nil
	}
	now := r.now().UTC()
	rec.IsPublished = true
	rec.UpdatedAt = now
	entry.UpdatedAt = now
	if err := r.store.Save(ctx, kind, entry); err != nil {
		return WrapError(KindBackendUnavailable, err, "store %s %q version %s", kind.Singular(), id, version)
	}
	r.logger.Info(ctx, "published spec", "kind", kind, "id", id, "version", version)
	return nil
}

func (r *Registry) loadEntry(ctx context.Context, kind store.Kind, id string) (*store.Entry, error) {
	if id == "" {
		return nil, fmt.Errorf("%s id is required", kind.Singular())
	}
	entry, err := r.store.Load(ctx, kind, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, NewError(KindNotFound, "%s %q not found", kind.Singular(), id).WithDetails("id", id)
	case err != nil:
		return nil, WrapError(KindBackendUnavailable, err, "load %s %q", kind.Singular(), id)
	}
	return entry, nil
}

// entityLock returns the mutex serializing writes to (kind, id).
func (r *Registry) entityLock(kind store.Kind, id string) *sync.Mutex {
	key := string(kind) + "/" + id
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	return lock
}

// nextPatch returns the patch increment of the entry's semantically-latest
// version, or firstVersion for a fresh entry.
func nextPatch(entry *store.Entry) string {
	var latest *semver.Version
	for v := range entry.Versions {
		sv, err := semver.NewVersion(v)
		if err != nil {
			continue
		}
		if latest == nil || sv.GreaterThan(latest) {
			latest = sv
		}
	}
	if latest == nil {
		return firstVersion
	}
	next := latest.IncPatch()
	return next.String()
}

// latestVersion returns the highest semver version stored in the entry, or
// the empty string when none parse.
func latestVersion(entry *store.Entry) string {
	var (
		latest   *semver.Version
		original string
	)
	for v := range entry.Versions {
		sv, err := semver.NewVersion(v)
		if err != nil {
			continue
		}
		if latest == nil || sv.GreaterThan(latest) {
			latest = sv
			original = v
		}
	}
	return original
}
