// Package rtsync is a client for realtime tree databases. It keeps a local
// view of the data a program listens to, applies local writes optimistically
// and reconciles them with the server over one persistent connection.
//
// Example:
//
//	repo, _ := rtsync.NewRepo("https://example.firebaseio.com")
//	defer repo.Close()
//
//	unsubscribe, _ := repo.Listen(rtsync.NewQuery("scores").OrderByValue().LimitToLast(10),
//		func(e rtsync.Event) { fmt.Println(e.Type, e.Snapshot.Key(), e.Snapshot.Value()) }, nil)
//	defer unsubscribe()
//
//	ack, _ := repo.Set("scores/alice", 42)
//	err := ack.Wait(ctx)
package rtsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var repoIDs atomic.Int64

// Repo is one database client. All of its state lives on a single event
// loop goroutine; public methods post work there and never block on it,
// except Get and Close. Listener callbacks run on that loop.
type Repo struct {
	info   RepoInfo
	cfg    *Config
	logger *slog.Logger
	loop   *eventLoop

	conn     *PersistentConnection
	syncTree *SyncTree
	infoTree *SyncTree
	infoData Node

	onDisconnect *sparseSnapshotTree
	snapshots    *snapshotCache
	pushIDs      *pushIDGenerator
	lastWriteID  int64
	pendingAcks  map[int64]*Ack
	regIDs       atomic.Uint64
	timeOffset   atomic.Int64

	closeOnce sync.Once
	onClose   func(*Repo)
}

// NewRepo creates a client for the database at url and starts connecting.
func NewRepo(url string, opts ...Option) (*Repo, error) {
	info, err := ParseRepoURL(url)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.defaults()
	return newRepo(info, cfg)
}

func newRepo(info RepoInfo, cfg *Config) (*Repo, error) {
	id := repoIDs.Add(1)
	r := &Repo{
		info:         info,
		cfg:          cfg,
		logger:       cfg.Logger.With("component", "repo", "repo", info.String()),
		infoData:     Empty,
		onDisconnect: newSparseSnapshotTree(),
		pushIDs:      newPushIDGenerator(),
		pendingAcks:  make(map[int64]*Ack),
	}
	r.syncTree = newSyncTree(serverListenProvider{r})
	r.infoTree = newSyncTree(infoListenProvider{r})
	if cfg.Snapshots != nil {
		sc, err := newSnapshotCache(cfg.Snapshots, func(op string, err error) {
			r.logger.Warn("snapshot store failed", "op", op, "err", err)
		})
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		r.snapshots = sc
		r.syncTree.warmCache = sc.lookup
	}
	r.loop = newEventLoop()
	r.conn = newPersistentConnection(id, info, cfg, r.loop, r)
	r.loop.post(func() {
		r.updateInfo("connected", false)
		r.updateInfo("serverTimeOffset", 0.0)
		r.conn.start()
	})
	return r, nil
}

// Info describes the database this repo talks to.
func (r *Repo) Info() RepoInfo { return r.info }

// Ref starts a query at path.
func (r *Repo) Ref(path string) Query { return NewQuery(path) }

// ============================================================================
// Listening
// ============================================================================

// Listen registers onEvent for the given event types of q, or for all of
// them when none are given. Existing data is delivered right away when it
// is known. onCancel, which may be nil, is told when the server revokes the
// listen. The returned func stops delivery immediately.
func (r *Repo) Listen(q Query, onEvent EventHandler, onCancel CancelHandler, types ...EventType) (func(), error) {
	if q.err != nil {
		return nil, q.err
	}
	if onEvent == nil {
		return nil, validationErrorf("Listen", "event handler must not be nil")
	}
	for _, t := range types {
		if t < EventValue || t > EventChildMoved {
			return nil, validationErrorf("Listen", "unknown event type %d", t)
		}
	}
	reg := newEventRegistration(r.regIDs.Add(1), onEvent, onCancel, types)
	spec := q.spec()
	if !r.loop.post(func() {
		r.raise(r.treeFor(spec.path).AddEventRegistration(spec, reg))
	}) {
		return nil, ErrRepoClosed
	}
	return func() {
		if reg.cancelled.Swap(true) {
			return
		}
		r.loop.post(func() {
			r.raise(r.treeFor(spec.path).RemoveEventRegistration(spec, reg, nil))
		})
	}, nil
}

// Get returns the current value of q: cached data when a listener already
// holds it, otherwise the first value the server sends. Get must not be
// called from a listener callback.
func (r *Repo) Get(ctx context.Context, q Query) (DataSnapshot, error) {
	if r.loop.onLoop() {
		return DataSnapshot{}, errors.New("rtsync: Get called from a listener callback")
	}
	type result struct {
		snap DataSnapshot
		err  error
	}
	ch := make(chan result, 1)
	deliver := func(res result) {
		select {
		case ch <- res:
		default:
		}
	}
	unsubscribe, err := r.Listen(q,
		func(e Event) { deliver(result{snap: e.Snapshot}) },
		func(err error) { deliver(result{err: err}) },
		EventValue)
	if err != nil {
		return DataSnapshot{}, err
	}
	defer unsubscribe()
	select {
	case res := <-ch:
		return res.snap, res.err
	case <-ctx.Done():
		return DataSnapshot{}, ctx.Err()
	case <-r.loop.stopped():
		return DataSnapshot{}, ErrRepoClosed
	}
}

func (r *Repo) treeFor(p Path) *SyncTree {
	if p.Front() == ".info" {
		return r.infoTree
	}
	return r.syncTree
}

// raise delivers events in order. Callbacks that write or listen only post
// more work, which runs after this batch.
func (r *Repo) raise(events []queuedEvent) {
	for _, e := range events {
		e.fire(r.logger)
	}
}

// ============================================================================
// Writes
// ============================================================================

// Set replaces the data at path. Listeners see the new value right away;
// the Ack reports the server's answer.
func (r *Repo) Set(path string, value any) (*Ack, error) {
	p, err := validateWritablePath("Set", path)
	if err != nil {
		return nil, err
	}
	n, err := NodeFromValue(value)
	if err != nil {
		return nil, err
	}
	ack := newAck()
	if !r.loop.post(func() { r.set(p, n, ack) }) {
		return nil, ErrRepoClosed
	}
	return ack, nil
}

// SetWithPriority is Set with an explicit priority.
func (r *Repo) SetWithPriority(path string, value any, priority any) (*Ack, error) {
	if _, err := priorityFromValue(priority, RootPath); err != nil {
		return nil, err
	}
	return r.Set(path, map[string]any{".value": value, ".priority": priority})
}

// Remove deletes the data at path.
func (r *Repo) Remove(path string) (*Ack, error) { return r.Set(path, nil) }

// Push stores value under a new child of path whose key sorts after every
// key pushed before it. It returns the key.
func (r *Repo) Push(path string, value any) (string, *Ack, error) {
	p, err := validateWritablePath("Push", path)
	if err != nil {
		return "", nil, err
	}
	key := r.pushIDs.next(r.ServerTime())
	ack, err := r.Set(p.Child(key).String(), value)
	return key, ack, err
}

// Update writes several locations below path at once. Keys are relative
// paths; none may be an ancestor of another.
func (r *Repo) Update(path string, values map[string]any) (*Ack, error) {
	p, err := validateWritablePath("Update", path)
	if err != nil {
		return nil, err
	}
	paths, err := validateUpdate("Update", values)
	if err != nil {
		return nil, err
	}
	children := make(map[string]Node, len(values))
	for k, v := range values {
		n, err := NodeFromValue(v)
		if err != nil {
			return nil, err
		}
		children[relativeKey(paths[k])] = n
	}
	ack := newAck()
	if !r.loop.post(func() { r.update(p, children, ack) }) {
		return nil, ErrRepoClosed
	}
	return ack, nil
}

func relativeKey(p Path) string { return strings.TrimPrefix(p.String(), "/") }

func (r *Repo) nextWriteID() int64 {
	r.lastWriteID++
	return r.lastWriteID
}

func (r *Repo) serverValues() serverValues {
	return generateServerValues(r.cfg.Clock, time.Duration(r.timeOffset.Load())*time.Millisecond)
}

func (r *Repo) set(p Path, n Node, ack *Ack) {
	resolved := resolveDeferredValueTree(p, n, r.syncTree, r.serverValues())
	id := r.nextWriteID()
	r.pendingAcks[id] = ack
	r.raise(r.syncTree.ApplyUserOverwrite(p, resolved, id, true))
	r.conn.put(id, p, n.Value(true), r.completeWrite(id, p, ack))
}

func (r *Repo) update(p Path, children map[string]Node, ack *Ack) {
	if len(children) == 0 {
		r.logger.Debug("update called with no data", "path", p.String())
		ack.resolve(nil)
		return
	}
	sv := r.serverValues()
	resolved := make(map[string]Node, len(children))
	wire := make(map[string]any, len(children))
	for k, n := range children {
		resolved[k] = resolveDeferredValueTree(p.Join(ParsePath(k)), n, r.syncTree, sv)
		wire[k] = n.Value(true)
	}
	id := r.nextWriteID()
	r.pendingAcks[id] = ack
	r.raise(r.syncTree.ApplyUserMerge(p, resolved, id))
	r.conn.merge(id, p, wire, r.completeWrite(id, p, ack))
}

func (r *Repo) completeWrite(id int64, p Path, ack *Ack) func(status, reason string) {
	return func(status, reason string) {
		delete(r.pendingAcks, id)
		if status != statusOK && status != statusWriteCanceled {
			r.logger.Warn("write failed", "path", p.String(), "status", status, "reason", reason)
		}
		r.raise(r.syncTree.AckUserWrite(id, status != statusOK))
		ack.resolve(errorForStatus(p, status, reason))
	}
}

// PurgeOutstandingWrites drops every write the server has not acknowledged.
// Their Acks fail with ErrWriteCanceled and listeners see server data again.
func (r *Repo) PurgeOutstandingWrites() {
	r.loop.post(func() {
		_, events := r.syncTree.RemoveAllWrites()
		r.raise(events)
		r.conn.purgeOutstandingWrites()
	})
}

// ============================================================================
// onDisconnect
// ============================================================================

// OnDisconnectSet asks the server to set path to value when this client
// disconnects.
func (r *Repo) OnDisconnectSet(path string, value any) (*Ack, error) {
	p, err := validateWritablePath("OnDisconnectSet", path)
	if err != nil {
		return nil, err
	}
	n, err := NodeFromValue(value)
	if err != nil {
		return nil, err
	}
	ack := newAck()
	if !r.loop.post(func() {
		r.conn.onDisconnect(ActionOnDisconnectPut, p, n.Value(true), func(status, reason string) {
			if status == statusOK {
				r.onDisconnect.remember(p, n)
			}
			ack.resolve(errorForStatus(p, status, reason))
		})
	}) {
		return nil, ErrRepoClosed
	}
	return ack, nil
}

// OnDisconnectRemove asks the server to delete path on disconnect.
func (r *Repo) OnDisconnectRemove(path string) (*Ack, error) { return r.OnDisconnectSet(path, nil) }

// OnDisconnectUpdate asks the server to apply an update on disconnect.
func (r *Repo) OnDisconnectUpdate(path string, values map[string]any) (*Ack, error) {
	p, err := validateWritablePath("OnDisconnectUpdate", path)
	if err != nil {
		return nil, err
	}
	paths, err := validateUpdate("OnDisconnectUpdate", values)
	if err != nil {
		return nil, err
	}
	children := make(map[string]Node, len(values))
	wire := make(map[string]any, len(values))
	for k, v := range values {
		n, err := NodeFromValue(v)
		if err != nil {
			return nil, err
		}
		key := relativeKey(paths[k])
		children[key] = n
		wire[key] = n.Value(true)
	}
	ack := newAck()
	if len(children) == 0 {
		ack.resolve(nil)
		return ack, nil
	}
	if !r.loop.post(func() {
		r.conn.onDisconnect(ActionOnDisconnectMerge, p, wire, func(status, reason string) {
			if status == statusOK {
				for k, n := range children {
					r.onDisconnect.remember(p.Join(ParsePath(k)), n)
				}
			}
			ack.resolve(errorForStatus(p, status, reason))
		})
	}) {
		return nil, ErrRepoClosed
	}
	return ack, nil
}

// OnDisconnectCancel drops every onDisconnect operation at or below path.
func (r *Repo) OnDisconnectCancel(path string) (*Ack, error) {
	p, err := validateWritablePath("OnDisconnectCancel", path)
	if err != nil {
		return nil, err
	}
	ack := newAck()
	if !r.loop.post(func() {
		r.conn.onDisconnect(ActionOnDisconnectCancel, p, nil, func(status, reason string) {
			if status == statusOK {
				r.onDisconnect.forget(p)
			}
			ack.resolve(errorForStatus(p, status, reason))
		})
	}) {
		return nil, ErrRepoClosed
	}
	return ack, nil
}

// runOnDisconnectEvents applies locally what the server applies when the
// connection drops.
func (r *Repo) runOnDisconnectEvents() {
	if r.onDisconnect.isEmpty() {
		return
	}
	sv := r.serverValues()
	var events []queuedEvent
	r.onDisconnect.forEachTree(RootPath, func(p Path, n Node) {
		resolved := resolveDeferredValueTree(p, n, r.syncTree, sv)
		events = append(events, r.syncTree.ApplyServerOverwrite(p, resolved)...)
	})
	r.onDisconnect = newSparseSnapshotTree()
	r.raise(events)
}

// ============================================================================
// Connection
// ============================================================================

// GoOffline closes the connection and keeps it closed until GoOnline.
// Writes made meanwhile are sent after reconnecting.
func (r *Repo) GoOffline() {
	r.loop.post(func() { r.conn.interrupt(interruptOffline) })
}

func (r *Repo) GoOnline() {
	r.loop.post(func() { r.conn.resume(interruptOffline) })
}

// ServerTime estimates the server clock from the offset measured at the
// last handshake.
func (r *Repo) ServerTime() time.Time {
	return r.cfg.Clock.Now().Add(time.Duration(r.timeOffset.Load()) * time.Millisecond)
}

// Close stops the connection and the event loop. Pending Acks fail with
// ErrRepoClosed; listeners get no further events.
func (r *Repo) Close() error {
	r.closeOnce.Do(func() {
		r.loop.post(func() {
			r.conn.shutdown()
			for id, ack := range r.pendingAcks {
				delete(r.pendingAcks, id)
				ack.resolve(ErrRepoClosed)
			}
		})
		r.loop.stop()
		if r.onClose != nil {
			r.onClose(r)
		}
	})
	return nil
}

func (r *Repo) onDataUpdate(p Path, data any, isMerge bool, tag int64) {
	var events []queuedEvent
	if isMerge {
		m, ok := data.(map[string]any)
		if !ok {
			r.logger.Error("dropping merge with non-object data", "path", p.String())
			return
		}
		children := make(map[string]Node, len(m))
		for k, v := range m {
			n, err := NodeFromValue(v)
			if err != nil {
				r.logger.Error("dropping invalid server data", "path", p.String(), "err", err)
				return
			}
			children[k] = n
		}
		if tag != 0 {
			events = r.syncTree.ApplyTaggedQueryMerge(p, children, tag)
		} else {
			events = r.syncTree.ApplyServerMerge(p, children)
			if r.snapshots != nil {
				r.snapshots.merge(p, children)
			}
		}
	} else {
		n, err := NodeFromValue(data)
		if err != nil {
			r.logger.Error("dropping invalid server data", "path", p.String(), "err", err)
			return
		}
		if tag != 0 {
			events = r.syncTree.ApplyTaggedQueryOverwrite(p, n, tag)
		} else {
			events = r.syncTree.ApplyServerOverwrite(p, n)
			if r.snapshots != nil {
				r.snapshots.overwrite(p, n)
			}
		}
	}
	r.raise(events)
}

func (r *Repo) onConnectStatus(connected bool) {
	r.updateInfo("connected", connected)
	if !connected {
		r.runOnDisconnectEvents()
	}
}

func (r *Repo) onServerInfoUpdate(updates map[string]any) {
	for _, k := range sortedKeys(updates) {
		v := updates[k]
		if k == "serverTimeOffset" {
			if ms, ok := v.(float64); ok {
				r.timeOffset.Store(int64(ms))
			}
		}
		r.updateInfo(k, v)
	}
}

func (r *Repo) updateInfo(key string, value any) {
	p := NewPath(".info", key)
	n := mustNodeFromValue(value)
	r.infoData = r.infoData.UpdateChild(p, n)
	r.raise(r.infoTree.ApplyServerOverwrite(p, n))
}

// ============================================================================
// Listen providers
// ============================================================================

// serverListenProvider forwards listens to the persistent connection.
type serverListenProvider struct{ r *Repo }

func (lp serverListenProvider) startListening(q querySpec, tag int64, hash func() string, onComplete func(string) []queuedEvent) []queuedEvent {
	r := lp.r
	r.conn.listen(q, tag, hash, func(status string) {
		if status == statusOK && tag == 0 && r.snapshots != nil {
			r.snapshots.markComplete(q.path)
		}
		if status != statusOK {
			r.logger.Warn("listen cancelled", "path", q.path.String(), "query", q.id(), "status", status)
		}
		r.raise(onComplete(status))
	})
	return nil
}

func (lp serverListenProvider) stopListening(q querySpec, tag int64) {
	lp.r.conn.unlisten(q, tag)
}

// infoListenProvider serves the local .info tree.
type infoListenProvider struct{ r *Repo }

func (lp infoListenProvider) startListening(q querySpec, _ int64, _ func() string, onComplete func(string) []queuedEvent) []queuedEvent {
	r := lp.r
	n := r.infoData.Child(q.path)
	if n.IsEmpty() {
		return nil
	}
	events := r.infoTree.ApplyServerOverwrite(q.path, n)
	r.loop.post(func() { r.raise(onComplete(statusOK)) })
	return events
}

func (infoListenProvider) stopListening(querySpec, int64) {}
