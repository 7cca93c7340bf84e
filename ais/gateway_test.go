/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package ais_test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/dat-gateway/datgate/ais"
	"github.com/dat-gateway/datgate/cmn"
	"github.com/dat-gateway/datgate/registry"
	"github.com/dat-gateway/datgate/resolver"
	"github.com/dat-gateway/datgate/swarm"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func newGatewayForTest(dir string, redirect bool) (*ais.Gateway, func()) {
	adapter, err := swarm.NewAdapter(dir)
	Expect(err).NotTo(HaveOccurred())
	reg := registry.New(registry.Config{Max: 10, ReadyTimeout: 150 * time.Millisecond}, adapter, nil, "gw-"+dir)
	res := resolver.New(nil, nil)
	gw := ais.NewGateway(res, reg, redirect)
	gw.SetRequestTimeout(300 * time.Millisecond)
	return gw, func() {
		res.Close()
		_ = reg.Close()
	}
}

func writeArchiveFixture(dir string, key cmn.ArchiveKey, relPath, content string) {
	full := filepath.Join(dir, key.Hex(), filepath.FromSlash(relPath))
	Expect(os.MkdirAll(filepath.Dir(full), 0o755)).To(Succeed())
	Expect(os.WriteFile(full, []byte(content), 0o644)).To(Succeed())
}

var _ = Describe("HTTP front end", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "datgate-ais-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	It("serves the landing page at /", func() {
		gw, done := newGatewayForTest(dir, false)
		defer done()

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		gw.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("datgate"))
	})

	It("serves a file from a resident archive", func() {
		key := cmn.ArchiveKey{0x11}
		writeArchiveFixture(dir, key, "icons/favicon.ico", "favicon-bytes")

		gw, done := newGatewayForTest(dir, false)
		defer done()

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/"+key.Hex()+"/icons/favicon.ico", nil)
		gw.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("favicon-bytes"))
	})

	It("returns 404 for an archive whose feeds never materialize", func() {
		key := cmn.ArchiveKey{0x22} // no fixture directory: never materializes.

		gw, done := newGatewayForTest(dir, false)
		defer done()

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/"+key.Hex()+"/", nil)
		gw.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusNotFound))
		Expect(rec.Body.String()).To(ContainSubstring("Not found"))
	})

	It("answers .well-known/dat without materializing the archive", func() {
		key := cmn.ArchiveKey{0x33} // no fixture directory at all.

		gw, done := newGatewayForTest(dir, false)
		defer done()

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/"+key.Hex()+"/.well-known/dat", nil)
		gw.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("dat://" + key.Hex() + "\nttl=3600"))
	})

	It("redirects to the base32 subdomain when redirect is enabled and the address isn't already base32", func() {
		key := cmn.ArchiveKey{0x44}
		writeArchiveFixture(dir, key, "index.html", "hi")

		gw, done := newGatewayForTest(dir, true)
		defer done()

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/"+key.Hex()+"/index.html", nil)
		req.Host = "gateway.example"
		gw.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusFound))
		loc := rec.Header().Get("Location")
		Expect(loc).To(Equal("http://" + key.Base32() + ".gateway.example/index.html"))
	})

	It("serves from the base32 subdomain label directly when redirect is enabled", func() {
		key := cmn.ArchiveKey{0x55}
		writeArchiveFixture(dir, key, "index.html", "subdomain-hit")

		gw, done := newGatewayForTest(dir, true)
		defer done()

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
		req.Host = key.Base32() + ".gateway.example"
		gw.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("subdomain-hit"))
	})

	It("sets Access-Control-Allow-Origin on responses via the CORS middleware", func() {
		gw, done := newGatewayForTest(dir, false)
		defer done()

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		handler := corsWrap(gw)
		handler.ServeHTTP(rec, req)

		Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(Equal("*"))
	})
})

// corsWrap mirrors the supervisor's wiring: the CORS header is applied by a
// middleware in front of the Gateway, not by the Gateway itself.
func corsWrap(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		h.ServeHTTP(w, r)
	})
}
