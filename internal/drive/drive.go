// Package drive is the sync engine: it owns the metadata store and the
// identity graph, and reconciles both against the remote change stream.
package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drivemirror/drivemirror/internal/gateway"
	"github.com/drivemirror/drivemirror/internal/logging"
	"github.com/drivemirror/drivemirror/internal/meta"
	"github.com/drivemirror/drivemirror/internal/metrics"
	"github.com/drivemirror/drivemirror/internal/resolver"
)

var (
	// ErrMalformedChange is returned for change records the engine cannot
	// interpret: a non-removal without an object payload, or a record with
	// no object ID at all.
	ErrMalformedChange = errors.New("malformed change record")

	// ErrRemovalUnsupported is returned when the change stream reports the
	// removal of an object the mirror tracks. Removal propagation is not
	// implemented; the tracked state is left untouched.
	ErrRemovalUnsupported = errors.New("removal of tracked object not supported")

	// ErrUpdateRunning is returned when a reconciliation pass is requested
	// while another one is still in flight.
	ErrUpdateRunning = errors.New("update already running")
)

// Engine ties the store, the graph and the gateway together. All state
// mutation goes through the session lock, so one Engine can back any
// number of concurrent callers.
type Engine struct {
	mu      sync.Mutex
	store   *meta.Store
	res     *resolver.Resolver
	gw      gateway.Gateway
	offline bool
}

// New creates an engine over an existing store, graph and gateway. Call
// Init before using it.
func New(store *meta.Store, res *resolver.Resolver, gw gateway.Gateway) *Engine {
	return &Engine{store: store, res: res, gw: gw}
}

// Init brings the local mirror to a usable state.
//
// Without a persisted continuation token this is a fresh session: the
// engine fetches a token first, then lists every remote object and
// rebuilds store and graph from scratch. Fetching the token before the
// listing means changes that land during the listing are replayed by the
// next Update instead of being lost.
//
// With a token present the engine reloads the graph snapshot, falling
// back to a full relisting if the snapshot is missing.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.EnsureRoot(); err != nil {
		return fmt.Errorf("ensure root record: %w", err)
	}

	if !e.gw.HasLocalToken() {
		logging.Info("no continuation token, starting fresh session")
		if err := e.gw.FetchStartToken(ctx); err != nil {
			metrics.RecordGatewayError()
			return fmt.Errorf("fetch start token: %w", err)
		}
		return e.rebuild(ctx)
	}

	if err := e.res.Load(); err != nil {
		if !errors.Is(err, resolver.ErrNotFound) {
			return fmt.Errorf("load graph snapshot: %w", err)
		}
		logging.Warn("graph snapshot missing, relisting remote tree")
		return e.rebuild(ctx)
	}
	logging.Info("loaded graph snapshot")
	return nil
}

// rebuild replaces the graph and the metadata records with the result of
// a full remote listing. The caller holds the session lock.
func (e *Engine) rebuild(ctx context.Context) error {
	files, err := e.gw.ListAll(ctx)
	if err != nil {
		metrics.RecordGatewayError()
		return fmt.Errorf("list remote objects: %w", err)
	}

	if err := e.res.Reset(); err != nil {
		return fmt.Errorf("reset graph: %w", err)
	}

	for i := range files {
		f := &files[i]
		m, err := f.ToMeta()
		if err != nil {
			logging.Warn("skipping object during relist",
				zap.String("id", f.ID), zap.Error(err))
			continue
		}
		e.res.AddRelationshipsForMeta(f.ParentIDs(), m)
		if err := e.store.Write(m); err != nil {
			return fmt.Errorf("write metadata for %s: %w", f.ID, err)
		}
	}

	if err := e.res.Persist(); err != nil {
		return fmt.Errorf("persist graph: %w", err)
	}

	metrics.SetTrackedObjects(len(files))
	logging.Info("rebuilt local mirror", zap.Int("objects", len(files)))
	return nil
}

// Update fetches all pending change records and applies them in stream
// order. At most one pass runs at a time; a second caller gets
// ErrUpdateRunning instead of queueing.
func (e *Engine) Update(ctx context.Context) error {
	if !e.mu.TryLock() {
		return ErrUpdateRunning
	}
	defer e.mu.Unlock()

	if e.offline {
		logging.Debug("offline, skipping update")
		return nil
	}

	start := time.Now()
	changes, err := e.gw.Changes(ctx)
	if err != nil {
		metrics.RecordGatewayError()
		metrics.RecordReconcilePass("gateway_error", time.Since(start))
		return fmt.Errorf("fetch changes: %w", err)
	}
	if len(changes) == 0 {
		metrics.RecordReconcilePass("empty", time.Since(start))
		return nil
	}

	applied := 0
	for i := range changes {
		if err := e.processChange(&changes[i]); err != nil {
			metrics.RecordReconcilePass("apply_error", time.Since(start))
			return fmt.Errorf("apply change %d of %d: %w", i+1, len(changes), err)
		}
		applied++
	}

	if err := e.res.Persist(); err != nil {
		return fmt.Errorf("persist graph: %w", err)
	}

	metrics.AddChangesApplied(applied)
	metrics.RecordReconcilePass("ok", time.Since(start))
	logging.Info("applied changes", zap.Int("count", applied))
	return nil
}

// processChange applies one change record. The caller holds the session
// lock. Per record there is at most one metadata write.
func (e *Engine) processChange(ch *gateway.Change) error {
	if ch.Removed {
		return e.processRemoval(ch)
	}

	if ch.File == nil {
		return fmt.Errorf("%w: change for %q carries no object", ErrMalformedChange, ch.FileID)
	}
	id := meta.ID(ch.File.ID)
	if id == "" {
		id = meta.ID(ch.FileID)
	}
	if id == "" {
		return fmt.Errorf("%w: change carries no object ID", ErrMalformedChange)
	}

	existing, err := e.store.Read(id)
	if errors.Is(err, meta.ErrNotFound) {
		return e.addObject(ch.File)
	}
	if err != nil {
		return fmt.Errorf("read metadata for %s: %w", id, err)
	}
	return e.reconcileObject(existing, ch.File)
}

func (e *Engine) processRemoval(ch *gateway.Change) error {
	id := meta.ID(ch.FileID)
	if id == "" && ch.File != nil {
		id = meta.ID(ch.File.ID)
	}
	if id == "" {
		return fmt.Errorf("%w: removal carries no object ID", ErrMalformedChange)
	}

	if _, err := e.store.Read(id); err == nil {
		return fmt.Errorf("%w: %s", ErrRemovalUnsupported, id)
	}

	// Removal of an object the mirror never tracked. Nothing to undo;
	// but if the record carries a payload the provider is telling us
	// about an object we missed, so track it.
	if ch.File != nil {
		logging.Warn("removal for untracked object, adding instead",
			zap.String("id", string(id)))
		return e.addObject(ch.File)
	}
	logging.Warn("removal for untracked object, skipping", zap.String("id", string(id)))
	return nil
}

// addObject records a previously unseen object: one write, plus graph
// links to all its parents.
func (e *Engine) addObject(f *gateway.File) error {
	m, err := f.ToMeta()
	if err != nil {
		return err
	}
	e.res.AddRelationshipsForMeta(f.ParentIDs(), m)
	if err := e.store.Write(m); err != nil {
		return fmt.Errorf("write metadata for %s: %w", f.ID, err)
	}
	return nil
}

// reconcileObject merges the provider's view of an object into the local
// record. Plain fields apply when they differ; timestamps apply only when
// the incoming value is strictly later, so replays and reordered deltas
// cannot roll a record backwards. The record is written at most once.
func (e *Engine) reconcileObject(m *meta.Metadata, f *gateway.File) error {
	changed := false

	if f.Name != "" && f.Name != m.Name {
		m.Name = f.Name
		e.res.RenameEntry(m.ID, f.Name)
		changed = true
	}
	if uint64(f.Size) != m.Size {
		m.Size = uint64(f.Size)
		changed = true
	}
	if attrs := f.ExtraAttributes(); attrs != nil && !sameAttributes(m.ExtraAttributes, attrs) {
		m.ExtraAttributes = attrs
		changed = true
	}

	if f.ModifiedTime != nil {
		ts := meta.FromTime(*f.ModifiedTime)
		if m.LastModified.Before(ts) {
			m.LastModified = ts
			changed = true
		}
		if m.LastMetadataChanged.Before(ts) {
			m.LastMetadataChanged = ts
			changed = true
		}
	}
	if f.ViewedTime != nil {
		ts := meta.FromTime(*f.ViewedTime)
		if m.LastAccessed.Before(ts) {
			m.LastAccessed = ts
			changed = true
		}
	}

	if e.replaceParents(m, f) {
		changed = true
	}

	if !changed {
		return nil
	}
	if err := e.store.Write(m); err != nil {
		return fmt.Errorf("write metadata for %s: %w", m.ID, err)
	}
	return nil
}

// replaceParents swaps the object's parent set wholesale when it differs
// from the provider's. Reports whether anything moved.
func (e *Engine) replaceParents(m *meta.Metadata, f *gateway.File) bool {
	newParents := f.ParentIDs()
	oldParents, err := e.res.Parents(m.ID)
	if err != nil {
		// Tracked record without graph links; relink from scratch.
		e.res.AddRelationshipsForMeta(newParents, m)
		return true
	}
	if sameIDSet(oldParents, newParents) {
		return false
	}
	e.res.RemoveRelationshipsForID(append([]meta.ID(nil), oldParents...), m.ID)
	e.res.AddRelationshipsForMeta(newParents, m)
	return true
}

func sameAttributes(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if !bytes.Equal(b[k], v) {
			return false
		}
	}
	return true
}

func sameIDSet(a, b []meta.ID) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[meta.ID]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

// SetOffline toggles offline mode. While offline, Update is a no-op and
// Metadata stops fetching missing records on demand.
func (e *Engine) SetOffline(offline bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offline = offline
	logging.Info("offline mode changed", zap.Bool("offline", offline))
}

// Offline reports whether the engine is in offline mode.
func (e *Engine) Offline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offline
}

// Metadata returns the record for id. A record the mirror does not hold
// yet is fetched from the provider on demand, tracked, and returned.
func (e *Engine) Metadata(ctx context.Context, id meta.ID) (*meta.Metadata, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.store.Read(id)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, meta.ErrNotFound) || e.offline {
		return nil, err
	}

	f, err := e.gw.GetFile(ctx, id)
	if err != nil {
		metrics.RecordGatewayError()
		return nil, fmt.Errorf("fetch object %s: %w", id, err)
	}
	if err := e.addObject(f); err != nil {
		return nil, err
	}
	if err := e.res.Persist(); err != nil {
		return nil, fmt.Errorf("persist graph: %w", err)
	}
	return e.store.Read(id)
}

// ResolvePath walks a slash-separated path from the root to an ID.
func (e *Engine) ResolvePath(path string) (meta.ID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.res.ResolvePath(path)
}

// LookupName returns the ID of the named child of parent.
func (e *Engine) LookupName(parent meta.ID, name string) (meta.ID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.res.IDByParentAndName(parent, name)
	if !ok {
		return "", fmt.Errorf("%w: %q under %s", resolver.ErrNotFound, name, parent)
	}
	return id, nil
}

// Children returns the directory listing of id.
func (e *Engine) Children(id meta.ID) ([]resolver.DirEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.res.Children(id)
}

// Ping checks provider reachability through the gateway.
func (e *Engine) Ping(ctx context.Context) error {
	return e.gw.Ping(ctx)
}
