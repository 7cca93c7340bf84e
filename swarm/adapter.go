/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package swarm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/dat-gateway/datgate/cmn"
	"github.com/dat-gateway/datgate/cmn/cos"
	"github.com/dat-gateway/datgate/cmn/nlog"
)

var js = jsoniter.ConfigFastest

// joinRecord is the per-key metadata persisted to buntdb on Join, so a
// restarted process can tell not just that a key was joined but when and
// under what record shape, should the persisted schema need to grow.
type joinRecord struct {
	Key      string    `json:"key"`
	JoinedAt time.Time `json:"joined_at"`
}

// knownKeyDelay is how long a key whose fixture directory already exists
// under storageDir takes to materialize: long enough to exercise the
// registry's in-flight admission table, short enough to stay well under the
// default 3s readiness timeout.
const knownKeyDelay = 30 * time.Millisecond

type joinState struct {
	cancel context.CancelFunc
	drive  *memDrive
}

// adapter is the in-process stand-in for the Dat/Hypercore archiver and its
// peer swarm. It persists per-key join metadata to a buntdb database under
// storageDir (mirroring the real archiver's own metadata persistence, which
// is left entirely to the adapter) and discovers previously-joined keys at
// startup by walking storageDir.
type adapter struct {
	storageDir string
	db         *buntdb.DB

	mu     sync.Mutex
	joined map[cmn.ArchiveKey]*joinState

	events    chan MaterializedEvent
	closed    chan struct{}
	closeOnce sync.Once
}

// NewAdapter opens (creating if absent) the metadata store under dir and
// scans dir for sub-hierarchies left by a prior process, logging what it
// finds. Keys admitted before a restart are re-admitted on demand, by
// Join, not by this scan.
func NewAdapter(dir string) (Adapter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("swarm: create storage dir: %w", err)
	}
	db, err := buntdb.Open(filepath.Join(dir, "swarm-meta.db"))
	if err != nil {
		return nil, errors.Wrap(err, "swarm: open metadata store")
	}
	a := &adapter{
		storageDir: dir,
		db:         db,
		joined:     make(map[cmn.ArchiveKey]*joinState),
		events:     make(chan MaterializedEvent, 16),
		closed:     make(chan struct{}),
	}
	if err := a.scanPrevious(); err != nil {
		nlog.Warningf("swarm: scan %s: %v", dir, err)
	}
	return a, nil
}

// scanPrevious walks storageDir's immediate children looking for
// hex-key-named sub-directories left over from a previous run. It doesn't
// rejoin them eagerly; the registry re-admits on demand.
func (a *adapter) scanPrevious() error {
	entries, err := os.ReadDir(a.storageDir)
	if err != nil {
		return err
	}
	var found int
	for _, e := range entries {
		if e.IsDir() && cmn.LooksLikeHexKey(e.Name()) {
			found++
		}
	}
	if found > 0 {
		nlog.Infof("swarm: found %d previously-seen archive(s) under %s", found, a.storageDir)
	}
	if err := a.logPersistedJoins(); err != nil {
		nlog.Warningf("swarm: scan persisted join records: %v", err)
	}
	// godirwalk exercised for a deeper scan (feed file count) used only for
	// diagnostic logging; failures here are non-fatal.
	var total int
	err = godirwalk.Walk(a.storageDir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(_ string, de *godirwalk.Dirent) error {
			if !de.IsDir() {
				total++
			}
			return nil
		},
	})
	if err != nil {
		return err
	}
	nlog.Infof("swarm: %d persisted feed file(s) under %s", total, a.storageDir)
	return nil
}

// logPersistedJoins reads back every joinRecord left in the metadata store
// by a prior process, purely for a startup diagnostic: how many keys were
// joined, and how long ago. It never rejoins them; the registry re-admits
// on demand, same as the fixture-directory scan above.
func (a *adapter) logPersistedJoins() error {
	var oldest time.Time
	var n int
	err := a.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			var rec joinRecord
			if err := js.Unmarshal([]byte(value), &rec); err != nil {
				// Pre-existing entries from before this record shape was
				// introduced; skip rather than fail the whole scan.
				return true
			}
			n++
			if oldest.IsZero() || rec.JoinedAt.Before(oldest) {
				oldest = rec.JoinedAt
			}
			return true
		})
	})
	if err != nil {
		return err
	}
	if n > 0 {
		nlog.Infof("swarm: %d persisted join record(s) under %s, oldest %s", n, a.storageDir, oldest.Format(time.RFC3339))
	}
	return nil
}

func (a *adapter) keyDir(key cmn.ArchiveKey) string {
	return filepath.Join(a.storageDir, key.Hex())
}

func (a *adapter) Join(ctx context.Context, key cmn.ArchiveKey) error {
	a.mu.Lock()
	if st, ok := a.joined[key]; ok {
		drive := st.drive
		a.mu.Unlock()
		// Re-publish for an already-materialized key: a Join that raced the
		// original event (Replicate joins eagerly, admission follows) would
		// otherwise wait for an event that already came and went.
		if drive != nil {
			go a.publish(MaterializedEvent{Key: key, Drive: drive})
		}
		return nil
	}
	joinCtx, cancel := context.WithCancel(context.Background())
	st := &joinState{cancel: cancel}
	a.joined[key] = st
	a.mu.Unlock()

	if err := a.persistJoin(key); err != nil {
		nlog.Warningf("swarm: persist join %s: %v", key.Hex(), err)
	}

	go a.materialize(joinCtx, key, st)
	return nil
}

func (a *adapter) persistJoin(key cmn.ArchiveKey) error {
	rec, err := js.Marshal(joinRecord{Key: key.Hex(), JoinedAt: time.Now()})
	if err != nil {
		return errors.Wrap(err, "swarm: marshal join record")
	}
	return a.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key.Hex(), string(rec), nil)
		return err
	})
}

// materialize simulates opening the key's metadata feed and loading its
// header block. Keys with a fixture directory already on disk materialize
// quickly; unknown keys never materialize (simulating peers that can't be
// found), so the registry's readiness timeout governs them instead.
func (a *adapter) materialize(ctx context.Context, key cmn.ArchiveKey, st *joinState) {
	dir := a.keyDir(key)
	if _, err := os.Stat(dir); err != nil {
		// No fixture: behave like a dead address whose peers are never
		// found. abandonDelay is comfortably past any readiness timeout the
		// registry applies, so this goroutine doesn't outlive the request
		// that spawned it by much; Leave cancels it sooner if called.
		const abandonDelay = 15 * time.Second
		select {
		case <-ctx.Done():
		case <-time.After(abandonDelay):
		}
		return
	}

	select {
	case <-time.After(knownKeyDelay):
	case <-ctx.Done():
		return
	}

	drive := newMemDrive(key, dir)
	a.mu.Lock()
	if cur, ok := a.joined[key]; !ok || cur != st {
		a.mu.Unlock()
		return
	}
	st.drive = drive
	a.mu.Unlock()

	a.publish(MaterializedEvent{Key: key, Drive: drive})
}

func (a *adapter) publish(ev MaterializedEvent) {
	select {
	case a.events <- ev:
	case <-a.closed:
	}
}

func (a *adapter) Leave(key cmn.ArchiveKey) error {
	a.mu.Lock()
	st, ok := a.joined[key]
	if ok {
		delete(a.joined, key)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}
	st.cancel()
	if err := a.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key.Hex())
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		return nil
	}); err != nil {
		nlog.Warningf("swarm: persist leave %s: %v", key.Hex(), err)
	}
	return nil
}

// Replicate returns a duplex stream whose peer side feeds framed copies of
// every file under the key's fixture directory, standing in for a remote
// peer replicating its feeds to us. It joins the key if that hasn't
// happened yet (Join is idempotent): the WS front end opens the pipe and
// triggers admission concurrently, so replication must not require
// admission to have completed first.
func (a *adapter) Replicate(ctx context.Context, key cmn.ArchiveKey) (DuplexStream, error) {
	if err := a.Join(ctx, key); err != nil {
		return nil, &cos.ErrAdapter{Key: key.Hex(), Err: err}
	}

	client, peer := newReplicationPair()
	go a.feedPeer(ctx, key, peer)
	return client, nil
}

// feedPeer writes every file under the key's fixture directory to peer, in
// framed copies, then idles until ctx is canceled. A key whose fixture
// directory doesn't exist yet (feeds not materialized) simply has nothing
// to feed; the stream stays open rather than closing, matching the
// protocol's tolerance for empty replication until the feeds load.
func (a *adapter) feedPeer(ctx context.Context, key cmn.ArchiveKey, peer *replicationStream) {
	defer peer.Close()
	dir := a.keyDir(key)
	entries, err := os.ReadDir(dir)
	if err != nil {
		select {
		case <-ctx.Done():
		case <-a.closed:
		}
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		if _, err := peer.Write(b); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	// Idle after the initial feed, simulating an open but quiet peer
	// connection, until ctx is canceled.
	<-ctx.Done()
}

func (a *adapter) Events() <-chan MaterializedEvent { return a.events }

// Close leaves every joined key and closes the metadata store. Idempotent:
// the supervisor and test cleanups may both reach it.
func (a *adapter) Close() (err error) {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		keys := make([]cmn.ArchiveKey, 0, len(a.joined))
		for k := range a.joined {
			keys = append(keys, k)
		}
		a.mu.Unlock()

		for _, k := range keys {
			if lerr := a.Leave(k); lerr != nil {
				nlog.Warningf("swarm: leave %s on close: %v", k.Hex(), lerr)
			}
		}
		close(a.closed)
		err = a.db.Close()
	})
	return err
}
