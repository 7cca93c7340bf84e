// Package ais is the gateway's HTTP and WebSocket front end and the
// supervisor that wires the resolver, registry, and swarm adapter together:
// a single net/http server multiplexing a plain data-plane handler and a WS
// upgrade handler.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package ais

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dat-gateway/datgate/cmn"
	"github.com/dat-gateway/datgate/registry"
	"github.com/dat-gateway/datgate/resolver"
)

// requestTimeout bounds admission and drive serving for a single archive
// file request; a request still pending after this is translated to a 404
// NotReady/NotFound response.
const requestTimeout = 5 * time.Second

// Gateway is the HTTP front end: it parses the request URL into (address,
// subpath), consults the registry, and delegates file serving to the
// resident archive's drive adapter.
type Gateway struct {
	resolver *resolver.Resolver
	registry *registry.Registry
	redirect bool
	timeout  time.Duration
}

// NewGateway constructs the HTTP front end. redirect enables the
// subdomain-addressing behavior.
func NewGateway(res *resolver.Resolver, reg *registry.Registry, redirect bool) *Gateway {
	return &Gateway{resolver: res, registry: reg, redirect: redirect, timeout: requestTimeout}
}

// SetRequestTimeout overrides the default 5s per-request timeout. Tests use
// this to exercise the NotFound-on-timeout path without waiting it out.
func (g *Gateway) SetRequestTimeout(d time.Duration) { g.timeout = d }

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, landingPage)
		return
	}

	address, subpath, handled := g.splitAddress(w, r)
	if handled {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
	defer cancel()

	if subpath == "/.well-known/dat" {
		g.serveWellKnown(ctx, w, address)
		return
	}

	key, err := g.resolver.Resolve(ctx, address)
	if err != nil {
		writeError(w, err)
		return
	}
	la, err := g.registry.GetOrAdmit(ctx, key)
	if err != nil {
		writeError(w, err)
		return
	}

	// Rewrite the URL to the archive-relative subpath and delegate to the drive.
	r2 := r.Clone(ctx)
	r2.URL.Path = subpath
	la.HandleHTTP(w, r2, subpath)
}

// serveWellKnown answers GET /<address>/.well-known/dat without
// materializing the archive beyond resolving its name.
func (g *Gateway) serveWellKnown(ctx context.Context, w http.ResponseWriter, address string) {
	key, err := g.resolver.Resolve(ctx, address)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "dat://%s\nttl=3600", key.Hex())
}

// splitAddress parses the request into (address, subpath), including the
// subdomain-addressing variant. It returns handled=true once it
// has already written a response itself (a redirect or an error), in which
// case the caller must not write anything further.
func (g *Gateway) splitAddress(w http.ResponseWriter, r *http.Request) (address, subpath string, handled bool) {
	hostLabel, _, _ := strings.Cut(r.Host, ".")

	if g.redirect && cmn.LooksLikeBase32Key(hostLabel) {
		return hostLabel, ensureLeadingSlash(r.URL.Path), false
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	parts := strings.SplitN(path, "/", 2)
	address = parts[0]
	subpath = "/"
	if len(parts) == 2 {
		subpath = "/" + parts[1]
	}

	// .well-known/dat is answered directly at any host, never redirected.
	if g.redirect && !cmn.LooksLikeBase32Key(address) && subpath != "/.well-known/dat" {
		key, err := g.resolver.Resolve(r.Context(), address)
		if err != nil {
			writeError(w, err)
			return "", "", true
		}
		loc := fmt.Sprintf("http://%s.%s%s", key.Base32(), r.Host, subpath)
		http.Redirect(w, r, loc, http.StatusFound)
		return "", "", true
	}

	return address, subpath, false
}

func ensureLeadingSlash(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}
