// Package hk provides a mechanism for registering cleanup functions that
// are invoked at specified intervals: a single shared ticker loop used by
// the registry's TTL sweeper and the resolver's DNS-cache janitor instead
// of each subsystem running its own timer goroutine.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/dat-gateway/datgate/cmn/debug"
	"github.com/dat-gateway/datgate/cmn/nlog"
)

const (
	// NameSuffix marks a name as a housekeeping registration; callers
	// compose it into their own name, e.g. "ttl-sweep"+hk.NameSuffix.
	NameSuffix = ".hk"

	DayInterval = 24 * time.Hour
)

// request is a registered callback. f returns the duration to wait before
// its next invocation; returning 0 (or less) drops the registration, as
// Unreg does.
type request struct {
	f        func() time.Duration
	name     string
	due      time.Time
	interval time.Duration
	idx      int
	// inHeap is false while the request is popped out of pending for its
	// callback to run; unreg must not heap.Remove a request in that state,
	// since its idx no longer reflects a live position in the heap.
	inHeap bool
}

type reqHeap []*request

func (h reqHeap) Len() int           { return len(h) }
func (h reqHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h reqHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].idx, h[j].idx = i, j }
func (h *reqHeap) Push(x any)        { r := x.(*request); r.idx = len(*h); *h = append(*h, r) }
func (h *reqHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}

// HK is a single housekeeping loop. DefaultHK is the process-wide instance
// used by every subsystem in this gateway.
type HK struct {
	mu       sync.Mutex
	byName   map[string]*request
	pending  reqHeap
	wake     chan struct{}
	started  chan struct{}
	startOne sync.Once
	runOnce  sync.Once
	stopCh   chan struct{}
	stopOne  sync.Once
}

var DefaultHK = New()

func New() *HK {
	return &HK{
		byName:  make(map[string]*request),
		wake:    make(chan struct{}, 1),
		started: make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
}

// TestInit resets DefaultHK for use in a fresh test binary.
func TestInit() { DefaultHK = New() }

// Reg registers f to run once after interval has elapsed, and again after
// whatever interval each subsequent call to f returns. An interval of 0
// means "run as soon as the loop starts".
func Reg(name string, f func() time.Duration, interval time.Duration) {
	DefaultHK.reg(name, f, interval)
}

// Unreg cancels a previously registered callback. No-op if absent.
func Unreg(name string) { DefaultHK.unreg(name) }

func (hk *HK) reg(name string, f func() time.Duration, interval time.Duration) {
	debug.Assert(f != nil, "hk.Reg: nil callback")
	r := &request{f: f, name: name, interval: interval, due: time.Now().Add(interval)}
	hk.mu.Lock()
	if _, ok := hk.byName[name]; ok {
		hk.mu.Unlock()
		nlog.Warningf("hk: duplicate registration %q ignored", name)
		return
	}
	hk.byName[name] = r
	r.inHeap = true
	heap.Push(&hk.pending, r)
	hk.mu.Unlock()
	hk.poke()
}

func (hk *HK) unreg(name string) {
	hk.mu.Lock()
	r, ok := hk.byName[name]
	if ok {
		delete(hk.byName, name)
		if r.inHeap {
			heap.Remove(&hk.pending, r.idx)
			r.inHeap = false
		}
	}
	hk.mu.Unlock()
}

func (hk *HK) poke() {
	select {
	case hk.wake <- struct{}{}:
	default:
	}
}

// WaitStarted blocks until Run has entered its loop. Used by tests and by
// the supervisor; callbacks registered before the loop starts are kept and
// run once it does.
func WaitStarted() { <-DefaultHK.started }

func (hk *HK) waitStarted() { <-hk.started }

// Run drives the housekeeping loop. Intended to be started with `go hk.DefaultHK.Run()`.
// A second call (e.g. a process constructing more than one subsystem that
// shares DefaultHK) is a no-op: only the first caller's goroutine drives
// the loop.
func (hk *HK) Run() {
	hk.runOnce.Do(hk.run)
}

func (hk *HK) run() {
	hk.startOne.Do(func() { close(hk.started) })
	const idle = time.Hour
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		wait := hk.runDue()
		if wait <= 0 {
			wait = idle
		}
		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-hk.wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-hk.stopCh:
			return
		}
	}
}

// Stop terminates the loop. Safe to call multiple times.
func (hk *HK) Stop() {
	hk.stopOne.Do(func() { close(hk.stopCh) })
}

// runDue executes every callback whose due time has passed and returns the
// wait until the next one is due.
func (hk *HK) runDue() time.Duration {
	now := time.Now()
	var due []*request
	hk.mu.Lock()
	for hk.pending.Len() > 0 && !hk.pending[0].due.After(now) {
		r := heap.Pop(&hk.pending).(*request)
		r.inHeap = false
		due = append(due, r)
	}
	hk.mu.Unlock()

	for _, r := range due {
		next := hk.call(r)
		if next <= 0 {
			hk.mu.Lock()
			delete(hk.byName, r.name)
			hk.mu.Unlock()
			continue
		}
		r.due = time.Now().Add(next)
		hk.mu.Lock()
		if _, ok := hk.byName[r.name]; ok {
			r.inHeap = true
			heap.Push(&hk.pending, r)
		}
		hk.mu.Unlock()
	}

	hk.mu.Lock()
	defer hk.mu.Unlock()
	if hk.pending.Len() == 0 {
		return 0
	}
	return time.Until(hk.pending[0].due)
}

func (hk *HK) call(r *request) (next time.Duration) {
	defer func() {
		if p := recover(); p != nil {
			nlog.Errorf("hk: callback %q panicked: %v", r.name, p)
			next = r.interval
		}
	}()
	return r.f()
}
