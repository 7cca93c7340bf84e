/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package hk_test

import (
	"sync/atomic"
	"time"

	"github.com/dat-gateway/datgate/hk"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Housekeeper", func() {
	It("runs a registered callback repeatedly", func() {
		var n int64
		hk.Reg("repeat"+hk.NameSuffix, func() time.Duration {
			atomic.AddInt64(&n, 1)
			return 5 * time.Millisecond
		}, time.Millisecond)

		Eventually(func() int64 { return atomic.LoadInt64(&n) }, time.Second).Should(BeNumerically(">=", 2))
		hk.Unreg("repeat" + hk.NameSuffix)
	})

	It("stops calling a callback after Unreg", func() {
		var n int64
		hk.Reg("once"+hk.NameSuffix, func() time.Duration {
			atomic.AddInt64(&n, 1)
			return time.Millisecond
		}, 0)
		Eventually(func() int64 { return atomic.LoadInt64(&n) }, time.Second).Should(BeNumerically(">=", 1))

		hk.Unreg("once" + hk.NameSuffix)
		after := atomic.LoadInt64(&n)
		Consistently(func() int64 { return atomic.LoadInt64(&n) }, 50*time.Millisecond).Should(Equal(after))
	})

	It("stops a callback that returns a non-positive interval", func() {
		var n int64
		hk.Reg("one-shot"+hk.NameSuffix, func() time.Duration {
			atomic.AddInt64(&n, 1)
			return 0
		}, 0)
		Eventually(func() int64 { return atomic.LoadInt64(&n) }, time.Second).Should(Equal(int64(1)))
		Consistently(func() int64 { return atomic.LoadInt64(&n) }, 50*time.Millisecond).Should(Equal(int64(1)))
	})
})
