// Package debug provides invariant checks for the registry's critical
// sections and other serialization points. Checks are gated by the DEBUG
// environment variable rather than a build tag: the gateway ships as a
// single binary and a runtime switch is simpler to operate than maintaining
// two build variants that can't both be exercised without compiling.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"fmt"
	"os"
	"sync"
)

var enabled = os.Getenv("DEBUG") != ""

func ON() bool { return enabled }

func Infof(format string, a ...any) {
	if enabled {
		fmt.Fprintf(os.Stderr, "[debug] "+format+"\n", a...)
	}
}

func Func(f func()) {
	if enabled {
		f()
	}
}

func Assert(cond bool, args ...any) {
	if enabled && !cond {
		panic(fmt.Sprint(append([]any{"assertion failed:"}, args...)...))
	}
}

func Assertf(cond bool, format string, a ...any) {
	if enabled && !cond {
		panic(fmt.Sprintf("assertion failed: "+format, a...))
	}
}

func AssertNoErr(err error) {
	if enabled && err != nil {
		panic(err)
	}
}

func AssertFunc(f func() bool, args ...any) {
	if enabled {
		Assert(f(), args...)
	}
}

func AssertMutexLocked(m *sync.Mutex) {
	if !enabled {
		return
	}
	if m.TryLock() {
		m.Unlock()
		panic("mutex not locked")
	}
}

func AssertRWMutexLocked(m *sync.RWMutex) {
	if !enabled {
		return
	}
	if m.TryLock() {
		m.Unlock()
		panic("rwmutex not locked")
	}
}

func AssertRWMutexRLocked(m *sync.RWMutex) {
	if !enabled {
		return
	}
	if m.TryLock() {
		m.Unlock()
		panic("rwmutex not r-locked")
	}
}
