/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package registry_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dat-gateway/datgate/cmn"
	"github.com/dat-gateway/datgate/cmn/cos"
	"github.com/dat-gateway/datgate/registry"
	"github.com/dat-gateway/datgate/swarm"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// fakeDrive is the minimal swarm.Drive stub a materialized event needs to
// carry; registry tests never exercise HTTP serving directly.
type fakeDrive struct{ key cmn.ArchiveKey }

func (d *fakeDrive) ReadFile(string) ([]byte, error)                     { return nil, cos.NewErrNotFound("stub") }
func (d *fakeDrive) Stat(string) (swarm.Info, error)                     { return swarm.Info{}, cos.NewErrNotFound("stub") }
func (*fakeDrive) HandleHTTP(http.ResponseWriter, *http.Request, string) {}

// fakeAdapter is a fully in-memory swarm.Adapter double: it lets a test
// dictate, per key, whether Join materializes quickly, fails, or never
// resolves (to exercise the readiness-timeout path), and counts Join calls
// to assert the at-most-once-concurrent-join invariant.
type fakeAdapter struct {
	mu        sync.Mutex
	joinCount map[cmn.ArchiveKey]int
	left      map[cmn.ArchiveKey]int
	neverJoin map[cmn.ArchiveKey]bool
	failJoin  map[cmn.ArchiveKey]bool
	delay     time.Duration
	events    chan swarm.MaterializedEvent
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		joinCount: make(map[cmn.ArchiveKey]int),
		left:      make(map[cmn.ArchiveKey]int),
		neverJoin: make(map[cmn.ArchiveKey]bool),
		failJoin:  make(map[cmn.ArchiveKey]bool),
		events:    make(chan swarm.MaterializedEvent, 16),
		delay:     5 * time.Millisecond,
	}
}

func (a *fakeAdapter) Join(_ context.Context, key cmn.ArchiveKey) error {
	a.mu.Lock()
	a.joinCount[key]++
	never := a.neverJoin[key]
	fail := a.failJoin[key]
	a.mu.Unlock()

	if never {
		return nil // joined, but materialization never arrives: exercises the timeout path.
	}
	go func() {
		time.Sleep(a.delay)
		if fail {
			a.events <- swarm.MaterializedEvent{Key: key, Err: fmt.Errorf("simulated adapter failure")}
			return
		}
		a.events <- swarm.MaterializedEvent{Key: key, Drive: &fakeDrive{key: key}}
	}()
	return nil
}

func (a *fakeAdapter) Leave(key cmn.ArchiveKey) error {
	a.mu.Lock()
	a.left[key]++
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) Replicate(context.Context, cmn.ArchiveKey) (swarm.DuplexStream, error) {
	return nil, fmt.Errorf("fakeAdapter: replicate not supported")
}

func (a *fakeAdapter) Events() <-chan swarm.MaterializedEvent { return a.events }

func (a *fakeAdapter) Close() error { return nil }

func (a *fakeAdapter) joinsOf(key cmn.ArchiveKey) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.joinCount[key]
}

func (a *fakeAdapter) leavesOf(key cmn.ArchiveKey) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.left[key]
}

func keyFor(b byte) cmn.ArchiveKey {
	var k cmn.ArchiveKey
	k[0] = b
	return k
}

var _ = Describe("Registry", func() {
	var adapter *fakeAdapter

	BeforeEach(func() {
		adapter = newFakeAdapter()
	})

	newReg := func(cfg registry.Config, name string) *registry.Registry {
		if cfg.Max == 0 {
			cfg.Max = 10
		}
		return registry.New(cfg, adapter, nil, name)
	}

	It("admits a fresh key and exposes it resident", func() {
		reg := newReg(registry.Config{}, "admit")
		defer reg.Close()

		key := keyFor(1)
		la, err := reg.GetOrAdmit(context.Background(), key)
		Expect(err).NotTo(HaveOccurred())
		Expect(la.Key).To(Equal(key))
		Expect(reg.List()).To(ConsistOf(Equal(key)))
	})

	It("issues exactly one swarm.Join for a burst of concurrent callers on the same key", func() {
		reg := newReg(registry.Config{}, "coalesce")
		defer reg.Close()

		key := keyFor(2)
		const n = 20
		var wg sync.WaitGroup
		var failures int32
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				if _, err := reg.GetOrAdmit(context.Background(), key); err != nil {
					atomic.AddInt32(&failures, 1)
				}
			}()
		}
		wg.Wait()

		Expect(failures).To(Equal(int32(0)))
		Expect(adapter.joinsOf(key)).To(Equal(1))
	})

	It("evicts the oldest resident key once capacity overflows", func() {
		reg := newReg(registry.Config{Max: 1}, "lru")
		defer reg.Close()

		a, b := keyFor(3), keyFor(4)
		_, err := reg.GetOrAdmit(context.Background(), a)
		Expect(err).NotTo(HaveOccurred())
		_, err = reg.GetOrAdmit(context.Background(), b)
		Expect(err).NotTo(HaveOccurred())

		Expect(reg.List()).To(ConsistOf(Equal(b)))
		Eventually(func() int { return adapter.leavesOf(a) }).Should(Equal(1))
	})

	It("round-trips add/remove/add", func() {
		reg := newReg(registry.Config{}, "roundtrip")
		defer reg.Close()

		key := keyFor(5)
		Expect(reg.Add(context.Background(), key)).To(Succeed())
		Expect(reg.List()).To(ConsistOf(Equal(key)))

		Expect(reg.Remove(key)).To(Succeed())
		Expect(reg.List()).To(BeEmpty())

		Expect(reg.Add(context.Background(), key)).To(Succeed())
		Expect(reg.List()).To(ConsistOf(Equal(key)))
		Expect(adapter.joinsOf(key)).To(Equal(2))
	})

	It("Remove is idempotent on an absent key", func() {
		reg := newReg(registry.Config{}, "idempotent")
		defer reg.Close()
		Expect(reg.Remove(keyFor(6))).To(Succeed())
	})

	It("fails admission with a not-ready error when materialization never arrives", func() {
		key := keyFor(7)
		adapter.mu.Lock()
		adapter.neverJoin[key] = true
		adapter.mu.Unlock()

		reg := newReg(registry.Config{ReadyTimeout: 30 * time.Millisecond}, "timeout")
		defer reg.Close()

		_, err := reg.GetOrAdmit(context.Background(), key)
		Expect(err).To(HaveOccurred())
		var notReady *cos.ErrNotReady
		Expect(errors.As(err, &notReady)).To(BeTrue())
		Expect(reg.List()).To(BeEmpty())
	})

	It("fails admission when the adapter reports an error", func() {
		key := keyFor(8)
		adapter.mu.Lock()
		adapter.failJoin[key] = true
		adapter.mu.Unlock()

		reg := newReg(registry.Config{}, "adaptererr")
		defer reg.Close()

		_, err := reg.GetOrAdmit(context.Background(), key)
		Expect(err).To(HaveOccurred())
		Expect(reg.List()).To(BeEmpty())
	})

	It("evictOldest fails with ErrEmpty when nothing is resident", func() {
		reg := newReg(registry.Config{}, "empty")
		defer reg.Close()
		Expect(reg.EvictOldest()).To(MatchError(cos.ErrEmpty))
	})

	It("never removes a key whose TTL has not elapsed, and removes one that has", func() {
		key := keyFor(9)
		reg := newReg(registry.Config{TTL: 40 * time.Millisecond, SweepPeriod: 10 * time.Millisecond}, "ttl")
		defer reg.Close()

		_, err := reg.GetOrAdmit(context.Background(), key)
		Expect(err).NotTo(HaveOccurred())

		Consistently(func() []cmn.ArchiveKey { return reg.List() }, 20*time.Millisecond).Should(ConsistOf(Equal(key)))
		Eventually(func() []cmn.ArchiveKey { return reg.List() }, time.Second).Should(BeEmpty())
	})

	It("Close leaves the swarm for every resident key", func() {
		reg := newReg(registry.Config{}, "close")
		a, b := keyFor(10), keyFor(11)
		_, _ = reg.GetOrAdmit(context.Background(), a)
		_, _ = reg.GetOrAdmit(context.Background(), b)

		Expect(reg.Close()).To(Succeed())
		Expect(reg.List()).To(BeEmpty())
		Expect(adapter.leavesOf(a)).To(Equal(1))
		Expect(adapter.leavesOf(b)).To(Equal(1))
	})
})
