/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package registry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dat-gateway/datgate/cmn"
	"github.com/dat-gateway/datgate/cmn/cos"
	"github.com/dat-gateway/datgate/cmn/debug"
	"github.com/dat-gateway/datgate/cmn/mono"
	"github.com/dat-gateway/datgate/cmn/nlog"
	"github.com/dat-gateway/datgate/hk"
	"github.com/dat-gateway/datgate/stats"
	"github.com/dat-gateway/datgate/swarm"
)

// DefaultReadyTimeout is how long getOrAdmit waits for an in-flight
// admission to materialize before giving up with ErrNotReady.
const DefaultReadyTimeout = 3 * time.Second

// LiveArchive is a resident archive's handle: everything the HTTP and WS
// front ends need to serve it. lastAccess lives in the registry's own
// bookkeeping rather than on this struct, since keeping it registry-side
// means it can never drift out of step with the LRU heap that orders
// eviction.
type LiveArchive struct {
	Key   cmn.ArchiveKey
	Drive swarm.Drive
}

// HandleHTTP delegates to the underlying drive.
func (la *LiveArchive) HandleHTTP(w http.ResponseWriter, r *http.Request, subpath string) {
	la.Drive.HandleHTTP(w, r, subpath)
}

// Config mirrors the gateway's constructor options.
type Config struct {
	Max         int
	TTL         time.Duration
	SweepPeriod time.Duration
	StorageDir  string
	// ReadyTimeout overrides DefaultReadyTimeout when positive; tests use
	// this to exercise the timeout path without waiting out the real 3s.
	ReadyTimeout time.Duration
}

// pendingEntry is the in-flight admission table's completion handle: every
// caller attached to the same key observes the same eventual result,
// fulfilled exactly once by the admission worker.
type pendingEntry struct {
	doneCh  chan struct{}
	settled atomic.Bool
	result  *LiveArchive
	err     error
}

func (p *pendingEntry) fulfill(result *LiveArchive, err error) {
	if p.settled.CompareAndSwap(false, true) {
		p.result, p.err = result, err
		close(p.doneCh)
	}
}

// Registry is the archive cache and lifecycle manager.
type Registry struct {
	cfg     Config
	adapter swarm.Adapter
	stats   *stats.Stats

	readyTimeout time.Duration

	mu       sync.Mutex
	resident map[cmn.ArchiveKey]*LiveArchive
	pending  map[cmn.ArchiveKey]*pendingEntry
	lastAcc  map[cmn.ArchiveKey]time.Time
	lru      *lru

	hkName   string
	closed   atomic.Bool
	closeCh  chan struct{}
	stopOnce sync.Once
}

// New constructs a Registry over adapter. hkName lets multiple registries
// coexist in one process (tests construct several) without TTL sweeper
// name collisions in the shared hk loop.
func New(cfg Config, adapter swarm.Adapter, st *stats.Stats, hkName string) *Registry {
	debug.Assert(cfg.Max > 0, "registry: max must be positive")
	readyTimeout := DefaultReadyTimeout
	if cfg.ReadyTimeout > 0 {
		readyTimeout = cfg.ReadyTimeout
	}
	r := &Registry{
		cfg:          cfg,
		adapter:      adapter,
		stats:        st,
		readyTimeout: readyTimeout,
		resident:     make(map[cmn.ArchiveKey]*LiveArchive),
		pending:      make(map[cmn.ArchiveKey]*pendingEntry),
		lastAcc:      make(map[cmn.ArchiveKey]time.Time),
		lru:          newLRU(),
		hkName:       hkName + hk.NameSuffix,
		closeCh:      make(chan struct{}),
	}
	go r.dispatchLoop()
	if cfg.TTL > 0 && cfg.SweepPeriod > 0 {
		hk.Reg(r.hkName, r.sweep, cfg.SweepPeriod)
	}
	return r
}

// GetOrAdmit returns the live handle for key, joining the swarm and waiting
// for materialization if it isn't already resident. Concurrent callers for
// the same not-yet-resident key share a single in-flight admission.
func (r *Registry) GetOrAdmit(ctx context.Context, key cmn.ArchiveKey) (*LiveArchive, error) {
	r.mu.Lock()
	if la, ok := r.resident[key]; ok {
		r.touchLocked(key)
		r.mu.Unlock()
		return la, nil
	}
	if pe, ok := r.pending[key]; ok {
		r.mu.Unlock()
		return r.awaitPending(ctx, key, pe)
	}

	if len(r.resident) >= r.cfg.Max {
		if err := r.evictOldestLocked(); err != nil {
			r.mu.Unlock()
			if r.stats != nil {
				r.stats.AdmissionFailed.WithLabelValues(stats.FailReasonCapacity).Inc()
			}
			// Unreachable while max >= 1: a full registry always has an
			// evictable entry.
			return nil, &cos.ErrCapacity{Reason: err.Error()}
		}
	}
	pe := &pendingEntry{doneCh: make(chan struct{})}
	r.pending[key] = pe
	r.mu.Unlock()

	// Admission runs independent of ctx: a canceled caller must not cancel
	// an in-flight join that other callers (or a future request) benefit
	// from.
	go r.admit(key, pe)

	return r.awaitPending(ctx, key, pe)
}

// Add is GetOrAdmit without using the returned handle; a convenience for
// pre-warming the cache.
func (r *Registry) Add(ctx context.Context, key cmn.ArchiveKey) error {
	_, err := r.GetOrAdmit(ctx, key)
	return err
}

func (r *Registry) admit(key cmn.ArchiveKey, pe *pendingEntry) {
	start := mono.NanoTime()
	joinCtx, cancel := context.WithTimeout(context.Background(), r.readyTimeout)
	defer cancel()

	if err := r.adapter.Join(joinCtx, key); err != nil {
		r.failPending(key, pe, &cos.ErrAdapter{Key: key.Hex(), Err: err})
	} else {
		select {
		case <-pe.doneCh:
			// Fulfilled by dispatchLoop via onMaterialized.
		case <-joinCtx.Done():
			r.failPending(key, pe, &cos.ErrNotReady{Key: key.Hex()})
		}
	}
	// pe.result/pe.err are safe to read only after doneCh closes; failPending
	// may have lost the fulfill race to a concurrent onMaterialized.
	<-pe.doneCh

	if r.stats == nil {
		return
	}
	r.stats.AdmissionLatency.Observe(time.Duration(mono.NanoTime() - start).Seconds())
	if pe.err == nil {
		return
	}
	var notReady *cos.ErrNotReady
	if errors.As(pe.err, &notReady) {
		r.stats.AdmissionFailed.WithLabelValues(stats.FailReasonTimeout).Inc()
	} else {
		r.stats.AdmissionFailed.WithLabelValues(stats.FailReasonAdapter).Inc()
	}
}

// dispatchLoop is the only consumer of the adapter's event channel; it hands
// every materialized event off into the registry's serialization domain
// before resident/pending are touched.
func (r *Registry) dispatchLoop() {
	for {
		select {
		case ev, ok := <-r.adapter.Events():
			if !ok {
				return
			}
			r.onMaterialized(ev)
		case <-r.closeCh:
			return
		}
	}
}

func (r *Registry) onMaterialized(ev swarm.MaterializedEvent) {
	r.mu.Lock()
	pe, ok := r.pending[ev.Key]
	if !ok {
		r.mu.Unlock()
		// Already timed out and removed, or a stray event for a key we
		// never asked for; either way there's no waiter left to notify.
		return
	}
	if ev.Err != nil {
		delete(r.pending, ev.Key)
		r.mu.Unlock()
		pe.fulfill(nil, &cos.ErrAdapter{Key: ev.Key.Hex(), Err: ev.Err})
		return
	}

	// Concurrent admissions of distinct keys each pass the capacity check
	// before going pending; re-check here so the bound holds once they all
	// land.
	for len(r.resident) >= r.cfg.Max {
		if err := r.evictOldestLocked(); err != nil {
			break
		}
	}

	la := &LiveArchive{Key: ev.Key, Drive: ev.Drive}
	delete(r.pending, ev.Key)
	r.resident[ev.Key] = la
	now := time.Now()
	r.lastAcc[ev.Key] = now
	r.lru.touch(ev.Key, now)
	if r.stats != nil {
		r.stats.Admissions.Inc()
		r.stats.Resident.Set(float64(len(r.resident)))
	}
	r.mu.Unlock()

	pe.fulfill(la, nil)
}

func (r *Registry) failPending(key cmn.ArchiveKey, pe *pendingEntry, err error) {
	r.mu.Lock()
	if cur, ok := r.pending[key]; ok && cur == pe {
		delete(r.pending, key)
	}
	r.mu.Unlock()
	pe.fulfill(nil, err)
}

func (r *Registry) awaitPending(ctx context.Context, key cmn.ArchiveKey, pe *pendingEntry) (*LiveArchive, error) {
	select {
	case <-pe.doneCh:
		if pe.err != nil {
			return nil, pe.err
		}
		r.mu.Lock()
		// A slow waiter can observe the result after the key was already
		// evicted again; touching it then would plant a ghost lastAccess
		// entry for a non-resident key.
		if _, ok := r.resident[key]; ok {
			r.touchLocked(key)
		}
		r.mu.Unlock()
		return pe.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) touchLocked(key cmn.ArchiveKey) {
	now := time.Now()
	r.lastAcc[key] = now
	r.lru.touch(key, now)
}

// evictOldestLocked runs synchronously inside the caller's critical
// section: the simulated adapter's Leave does only local work (a map
// mutation, a context cancellation, and one delete in its metadata store,
// no network I/O), so holding the registry mutex across it does
// not risk stalling unrelated keys, and it keeps eviction inside the same
// single critical section admission runs under.
func (r *Registry) evictOldestLocked() error {
	key, ok := r.lru.oldest()
	if !ok {
		return cos.ErrEmpty
	}
	r.removeLocked(key, stats.EvictCauseLRU)
	return nil
}

// EvictOldest forces eviction of the least-recently-used resident archive.
func (r *Registry) EvictOldest() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictOldestLocked()
}

// Remove leaves the swarm, drops the resident entry, and is idempotent.
func (r *Registry) Remove(key cmn.ArchiveKey) error {
	return r.removeCause(key, stats.EvictCauseExplicit)
}

func (r *Registry) removeCause(key cmn.ArchiveKey, cause string) error {
	r.mu.Lock()
	_, ok := r.resident[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	r.removeLocked(key, cause)
	r.mu.Unlock()
	return nil
}

func (r *Registry) removeLocked(key cmn.ArchiveKey, cause string) {
	if err := r.removeLockedErr(key, cause); err != nil {
		nlog.Warningf("registry: leave %s: %v", key.Hex(), err)
	}
}

// removeLockedErr is removeLocked's error-returning form, used where the
// caller accumulates failures across several keys instead of logging each
// one in isolation (Close's best-effort teardown).
func (r *Registry) removeLockedErr(key cmn.ArchiveKey, cause string) error {
	delete(r.resident, key)
	delete(r.lastAcc, key)
	r.lru.remove(key)
	if r.stats != nil {
		r.stats.Evictions.WithLabelValues(cause).Inc()
		r.stats.Resident.Set(float64(len(r.resident)))
	}
	if err := r.adapter.Leave(key); err != nil {
		return &cos.ErrAdapter{Key: key.Hex(), Err: err}
	}
	return nil
}

// List returns a snapshot of resident keys.
func (r *Registry) List() []cmn.ArchiveKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]cmn.ArchiveKey, 0, len(r.resident))
	for k := range r.resident {
		out = append(out, k)
	}
	return out
}

// sweep is the TTL sweeper's hk callback: it never removes a key whose
// admission is still in flight, since such a key has no lastAccess entry
// yet and therefore never appears in the LRU heap's expired() scan.
func (r *Registry) sweep() time.Duration {
	if r.closed.Load() {
		return 0
	}
	// Scan and remove under one critical section: a key touched between a
	// split scan and removal would be expired with a fresh lastAccess.
	// Leave does only local work, so request servicing is not stalled for long.
	r.mu.Lock()
	for _, k := range r.lru.expired(time.Now(), r.cfg.TTL) {
		r.removeLocked(k, stats.EvictCauseTTL)
	}
	r.mu.Unlock()
	return r.cfg.SweepPeriod
}

// Close cancels the sweeper and removes every resident key, calling Leave
// for each and dropping its drive handle; the drive itself is not closed
// (swarm.Drive has no Close). Idempotent via stopOnce. Leave failures
// across the resident set are accumulated rather than abandoning teardown
// at the first one; the returned error joins the distinct failures seen,
// up to cos.Errs' limit of four.
func (r *Registry) Close() error {
	var errs cos.Errs
	r.stopOnce.Do(func() {
		r.closed.Store(true)
		hk.Unreg(r.hkName)
		close(r.closeCh)
		for _, k := range r.List() {
			r.mu.Lock()
			if err := r.removeLockedErr(k, stats.EvictCauseShutdown); err != nil {
				errs.Add(err)
			}
			r.mu.Unlock()
		}
	})
	if _, err := errs.JoinErr(); err != nil {
		return err
	}
	return nil
}
