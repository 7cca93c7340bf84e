/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package ais

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dat-gateway/datgate/cmn/cos"
	"github.com/dat-gateway/datgate/cmn/nlog"
	"github.com/dat-gateway/datgate/hk"
	"github.com/dat-gateway/datgate/registry"
	"github.com/dat-gateway/datgate/resolver"
	"github.com/dat-gateway/datgate/stats"
	"github.com/dat-gateway/datgate/swarm"
)

// Config holds the gateway's constructor options.
type Config struct {
	// Dir is the filesystem directory the swarm adapter persists its
	// per-key metadata under.
	Dir string
	// Max is the maximum number of resident archives. Required, positive.
	Max int
	// TTL and Period enable expiry only when both are set.
	TTL    time.Duration
	Period time.Duration
	// Redirect enables subdomain-based addressing.
	Redirect bool
	// ReadyTimeout overrides the registry's default 3s admission-readiness
	// timeout when positive; tests use this to exercise the dead-address
	// path without waiting out the real default.
	ReadyTimeout time.Duration
}

// Server is the gateway supervisor. It constructs the
// resolver, registry, and swarm adapter, attaches the HTTP and WebSocket
// front ends to a single listener, runs the TTL sweeper via the shared hk
// loop, and sequences startup and shutdown.
type Server struct {
	cfg      Config
	stats    *stats.Stats
	resolver *resolver.Resolver
	registry *registry.Registry
	adapter  swarm.Adapter
	httpSrv  *http.Server
}

// Load constructs every subsystem and the combined request multiplexer but
// does not yet bind a listener; call Listen to start accepting connections.
func Load(cfg Config) (*Server, error) {
	adapter, err := swarm.NewAdapter(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("ais: load swarm adapter: %w", err)
	}

	st := stats.New()
	reg := registry.New(registry.Config{
		Max:          cfg.Max,
		TTL:          cfg.TTL,
		SweepPeriod:  cfg.Period,
		StorageDir:   cfg.Dir,
		ReadyTimeout: cfg.ReadyTimeout,
	}, adapter, st, "ttl-sweep-"+cos.GenShortID())
	res := resolver.New(nil, st)

	gw := NewGateway(res, reg, cfg.Redirect)
	ws := &wsHandler{resolver: res, registry: reg, adapter: adapter}

	mux := http.NewServeMux()
	mux.Handle("/metrics", st.Handler())
	mux.HandleFunc("/healthz", healthz)
	mux.Handle("/", dispatch(ws, corsHandler(gw)))

	go hk.DefaultHK.Run()
	hk.WaitStarted()

	return &Server{
		cfg:      cfg,
		stats:    st,
		resolver: res,
		registry: reg,
		adapter:  adapter,
		httpSrv:  &http.Server{Handler: mux},
	}, nil
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// dispatch routes a WebSocket upgrade request to ws and everything else to
// h: both front ends share the same listener.
func dispatch(ws, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebSocketUpgrade(r) {
			ws.ServeHTTP(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// Listen binds addr (e.g. ":5917") and serves until Close is called.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve runs the gateway over an already-bound listener. Tests use this to
// serve on an ephemeral port (net.Listen("tcp", "127.0.0.1:0")) without
// racing on a fixed port number.
func (s *Server) Serve(ln net.Listener) error {
	s.httpSrv.Addr = ln.Addr().String()
	nlog.Infof("ais: listening on %s", s.httpSrv.Addr)
	if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close stops accepting connections, drains in-flight requests best-effort,
// cancels the TTL sweeper, removes every resident key (leave, then the
// drive handle is dropped; drives are not closed), and closes the resolver
// and adapter.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		nlog.Warningf("ais: http shutdown: %v", err)
	}
	s.resolver.Close()
	if err := s.registry.Close(); err != nil {
		nlog.Warningf("ais: registry close: %v", err)
	}
	return s.adapter.Close()
}
