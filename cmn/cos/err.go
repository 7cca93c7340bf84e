// Package cos provides common low-level types and error kinds shared by the
// gateway's front ends, registry, resolver, and swarm adapter.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"errors"
	"fmt"
	"sync"
	ratomic "sync/atomic"

	"github.com/dat-gateway/datgate/cmn/debug"
)

// Error kinds, per the gateway's error-handling design: each maps to exactly
// one HTTP/WS treatment at the front-end boundary (see ais package).
type (
	// ErrResolution: DNS lookup failed or address malformed. HTTP: 500.
	ErrResolution struct {
		Addr string
		Err  error
	}

	// ErrNotReady: admission timed out or the archive's feeds never
	// materialized. HTTP: 404 "Not found".
	ErrNotReady struct {
		Key string
	}

	// ErrNotFound: a lookup that must fail loudly, e.g. reading a drive path
	// that doesn't exist. (Remove of an absent key is a no-op, not an error.)
	ErrNotFound struct {
		what string
	}

	// ErrCapacity: eviction could not free space. Should be impossible while
	// max >= 1. HTTP: 500.
	ErrCapacity struct {
		Reason string
	}

	// ErrAdapter: swarm/archiver internal error. HTTP: 500 "Server error".
	ErrAdapter struct {
		Key string
		Err error
	}

	// ErrClientStream: WS peer errored or closed. Logged; torn down; no
	// effect on other clients.
	ErrClientStream struct {
		Err error
	}

	// Errs accumulates up to a bounded number of distinct errors, e.g. for
	// best-effort teardown where many independent operations may fail.
	Errs struct {
		errs []error
		cnt  int64
		mu   sync.Mutex
	}
)

// ErrEmpty is returned by evictOldest when the registry holds no resident
// archives.
var ErrEmpty = errors.New("registry: empty, nothing to evict")

func (e *ErrResolution) Error() string   { return fmt.Sprintf("resolve %q: %v", e.Addr, e.Err) }
func (e *ErrResolution) Unwrap() error   { return e.Err }
func (e *ErrNotReady) Error() string     { return fmt.Sprintf("archive %s: not ready", e.Key) }
func (e *ErrCapacity) Error() string     { return fmt.Sprintf("capacity: %s", e.Reason) }
func (e *ErrAdapter) Error() string      { return fmt.Sprintf("swarm adapter (%s): %v", e.Key, e.Err) }
func (e *ErrAdapter) Unwrap() error      { return e.Err }
func (e *ErrClientStream) Error() string { return fmt.Sprintf("client stream: %v", e.Err) }
func (e *ErrClientStream) Unwrap() error { return e.Err }

func NewErrNotFound(format string, a ...any) *ErrNotFound {
	return &ErrNotFound{fmt.Sprintf(format, a...)}
}

func (e *ErrNotFound) Error() string { return e.what + " does not exist" }

func IsErrNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

// Errs
const maxErrs = 4

func (e *Errs) Add(err error) {
	debug.Assert(err != nil, "cos.Errs.Add: nil error")
	e.mu.Lock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			e.mu.Unlock()
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
		ratomic.StoreInt64(&e.cnt, int64(len(e.errs)))
	}
	e.mu.Unlock()
}

func (e *Errs) Cnt() int { return int(ratomic.LoadInt64(&e.cnt)) }

func (e *Errs) JoinErr() (cnt int, err error) {
	if cnt = e.Cnt(); cnt > 0 {
		e.mu.Lock()
		err = errors.Join(e.errs...)
		e.mu.Unlock()
	}
	return
}

func (e *Errs) Error() string {
	cnt := e.Cnt()
	if cnt == 0 {
		return ""
	}
	e.mu.Lock()
	var err error
	if cnt = len(e.errs); cnt > 0 {
		err = e.errs[0]
	}
	e.mu.Unlock()
	if err == nil {
		return ""
	}
	if cnt > 1 {
		return fmt.Sprintf("%v (and %d more error%s)", err, cnt-1, plural(cnt-1))
	}
	return err.Error()
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
