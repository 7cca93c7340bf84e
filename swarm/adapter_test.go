/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package swarm_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dat-gateway/datgate/cmn"
	"github.com/dat-gateway/datgate/swarm"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func writeFixture(dir string, key cmn.ArchiveKey, name, content string) {
	archiveDir := filepath.Join(dir, key.Hex())
	Expect(os.MkdirAll(archiveDir, 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(archiveDir, name), []byte(content), 0o644)).To(Succeed())
}

var _ = Describe("Swarm adapter", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "datgate-swarm-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	It("materializes a key whose fixture directory already exists", func() {
		key := cmn.ArchiveKey{0xaa}
		writeFixture(dir, key, "favicon.ico", "icon-bytes")

		a, err := swarm.NewAdapter(dir)
		Expect(err).NotTo(HaveOccurred())
		defer a.Close()

		Expect(a.Join(context.Background(), key)).To(Succeed())

		select {
		case ev := <-a.Events():
			Expect(ev.Key).To(Equal(key))
			Expect(ev.Err).NotTo(HaveOccurred())
			b, err := ev.Drive.ReadFile("/favicon.ico")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(b)).To(Equal("icon-bytes"))
		case <-time.After(time.Second):
			Fail("materialized event never arrived")
		}
	})

	It("never materializes a key with no fixture directory", func() {
		key := cmn.ArchiveKey{0xbb}
		a, err := swarm.NewAdapter(dir)
		Expect(err).NotTo(HaveOccurred())
		defer a.Close()

		Expect(a.Join(context.Background(), key)).To(Succeed())

		select {
		case ev := <-a.Events():
			Fail("unexpected materialization for unknown key: " + ev.Key.Hex())
		case <-time.After(150 * time.Millisecond):
			// expected: dead address never materializes within the readiness window.
		}
	})

	It("Leave cancels a pending join and is idempotent", func() {
		key := cmn.ArchiveKey{0xcc}
		a, err := swarm.NewAdapter(dir)
		Expect(err).NotTo(HaveOccurred())
		defer a.Close()

		Expect(a.Join(context.Background(), key)).To(Succeed())
		Expect(a.Leave(key)).To(Succeed())
		Expect(a.Leave(key)).To(Succeed()) // idempotent
	})

	It("feeds a joined key's fixture files over Replicate", func() {
		key := cmn.ArchiveKey{0xdd}
		writeFixture(dir, key, "data.bin", "replicated-payload")

		a, err := swarm.NewAdapter(dir)
		Expect(err).NotTo(HaveOccurred())
		defer a.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		stream, err := a.Replicate(ctx, key)
		Expect(err).NotTo(HaveOccurred())
		defer stream.Close()

		buf := make([]byte, len("replicated-payload"))
		_, err = io.ReadFull(stream, buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(buf)).To(Equal("replicated-payload"))
	})

	It("re-admits a previously-joined key after a restart against the same directory", func() {
		key := cmn.ArchiveKey{0xee}
		writeFixture(dir, key, "index.html", "hello-again")

		a1, err := swarm.NewAdapter(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(a1.Join(context.Background(), key)).To(Succeed())
		Eventually(a1.Events(), time.Second).Should(Receive())
		Expect(a1.Close()).To(Succeed())

		a2, err := swarm.NewAdapter(dir)
		Expect(err).NotTo(HaveOccurred())
		defer a2.Close()

		Expect(a2.Join(context.Background(), key)).To(Succeed())
		select {
		case ev := <-a2.Events():
			Expect(ev.Key).To(Equal(key))
			b, err := ev.Drive.ReadFile("/index.html")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(b)).To(Equal("hello-again"))
		case <-time.After(time.Second):
			Fail("materialized event never arrived on restart")
		}
	})
})
