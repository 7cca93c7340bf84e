// Package resolver maps a user-supplied address (hex key, base32 key, or
// DNS name) to a canonical ArchiveKey.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package resolver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dat-gateway/datgate/cmn"
	"github.com/dat-gateway/datgate/cmn/cos"
	"github.com/dat-gateway/datgate/cmn/nlog"
	"github.com/dat-gateway/datgate/hk"
	"github.com/dat-gateway/datgate/stats"
)

// DefaultTTL is used when a .well-known/dat record carries no explicit ttl.
const DefaultTTL = time.Hour

// HTTPClient is the subset of *http.Client the resolver needs; tests supply
// a fake round tripper through this to avoid real network access.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Resolver resolves addresses to keys, coalescing concurrent DNS lookups of
// the same name via singleflight and caching results for their advertised
// TTL, the same at-most-once-per-key discipline swarm admission applies one
// layer down.
type Resolver struct {
	client HTTPClient
	cache  *cache
	group  singleflight.Group
	stats  *stats.Stats
	hkName string
}

func New(client HTTPClient, st *stats.Stats) *Resolver {
	return NewWithCapacity(client, st, DefaultCacheCapacity)
}

// NewWithCapacity is New with an explicit bound on the number of distinct
// hosts the DNS cache holds before it starts evicting the least-recently-used
// entry; tests use a small capacity to exercise eviction without resolving
// thousands of hosts.
func NewWithCapacity(client HTTPClient, st *stats.Stats, capacity int) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	// The janitor name carries a short id so that several resolvers in one
	// process (tests, embedded use) don't collide in the shared hk loop.
	r := &Resolver{
		client: client,
		cache:  newCache(capacity),
		stats:  st,
		hkName: "resolver-janitor-" + cos.GenShortID() + hk.NameSuffix,
	}
	hk.Reg(r.hkName, r.janitor, time.Minute)
	return r
}

// Close stops the cache janitor. Safe to call more than once.
func (r *Resolver) Close() { hk.Unreg(r.hkName) }

func (r *Resolver) janitor() time.Duration {
	r.cache.sweepExpired(time.Now())
	return time.Minute
}

// Resolve turns address (a hex key, a base32 key, or a DNS name) into a
// canonical ArchiveKey.
func (r *Resolver) Resolve(ctx context.Context, address string) (cmn.ArchiveKey, error) {
	address = strings.ToLower(strings.TrimSpace(address))

	if cmn.LooksLikeHexKey(address) {
		return cmn.KeyFromHex(address)
	}
	if cmn.LooksLikeBase32Key(address) {
		key, err := cmn.KeyFromBase32(address)
		if err != nil {
			return cmn.ArchiveKey{}, &cos.ErrResolution{Addr: address, Err: err}
		}
		return key, nil
	}
	return r.resolveDNS(ctx, address)
}

func (r *Resolver) resolveDNS(ctx context.Context, host string) (cmn.ArchiveKey, error) {
	if key, ok := r.cache.get(host, time.Now()); ok {
		if r.stats != nil {
			r.stats.ResolverHits.Inc()
		}
		return key, nil
	}

	v, err, _ := r.group.Do(host, func() (any, error) {
		key, ttl, err := r.lookup(ctx, host)
		if err != nil {
			return nil, err
		}
		r.cache.set(host, key, ttl, time.Now())
		return key, nil
	})
	if err != nil {
		return cmn.ArchiveKey{}, &cos.ErrResolution{Addr: host, Err: err}
	}
	if r.stats != nil {
		r.stats.ResolverMisses.Inc()
	}
	return v.(cmn.ArchiveKey), nil
}

// lookup performs the HTTPS request to <host>/.well-known/dat and parses
// the first "dat://<key>" record plus an optional "ttl=<seconds>" line.
func (r *Resolver) lookup(ctx context.Context, host string) (cmn.ArchiveKey, time.Duration, error) {
	url := fmt.Sprintf("https://%s/.well-known/dat", host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return cmn.ArchiveKey{}, 0, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return cmn.ArchiveKey{}, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return cmn.ArchiveKey{}, 0, fmt.Errorf("dat dns lookup %s: status %d", host, resp.StatusCode)
	}

	key, ttl, err := parseDatRecord(resp.Body)
	if err != nil {
		return cmn.ArchiveKey{}, 0, fmt.Errorf("dat dns lookup %s: %w", host, err)
	}
	nlog.Infof("resolver: %s -> %s (ttl %s)", host, key.Hex(), ttl)
	return key, ttl, nil
}

func parseDatRecord(body io.Reader) (cmn.ArchiveKey, time.Duration, error) {
	var (
		key   cmn.ArchiveKey
		haveK bool
		ttl   = DefaultTTL
		scan  = bufio.NewScanner(body)
	)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		switch {
		case strings.HasPrefix(line, "dat://"):
			hexPart := strings.TrimPrefix(line, "dat://")
			k, err := cmn.KeyFromHex(hexPart)
			if err != nil {
				return key, 0, err
			}
			key, haveK = k, true
		case strings.HasPrefix(line, "ttl="):
			if secs, err := strconv.Atoi(strings.TrimPrefix(line, "ttl=")); err == nil {
				ttl = time.Duration(secs) * time.Second
			}
		}
	}
	if err := scan.Err(); err != nil {
		return key, 0, err
	}
	if !haveK {
		return key, 0, fmt.Errorf("no dat:// record found")
	}
	return key, ttl, nil
}
