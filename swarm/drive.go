/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package swarm

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dat-gateway/datgate/cmn"
	"github.com/dat-gateway/datgate/cmn/cos"
	"github.com/dat-gateway/datgate/cmn/nlog"
)

// memDrive is the in-memory filesystem view of one materialized archive.
// Content is read lazily from the key's sub-hierarchy under storageDir and
// cached for the drive's lifetime (a Leave drops the drive; a later Join
// builds a fresh one): the in-memory view is ephemeral, and
// nothing here survives a restart except what the adapter separately
// persists to storageDir.
type memDrive struct {
	key  cmn.ArchiveKey
	root string // storageDir/<hex key>

	mu    sync.RWMutex
	cache map[string][]byte
}

func newMemDrive(key cmn.ArchiveKey, root string) *memDrive {
	return &memDrive{key: key, root: root, cache: make(map[string][]byte)}
}

func (d *memDrive) fsPath(p string) string {
	p = strings.TrimPrefix(p, "/")
	return filepath.Join(d.root, filepath.FromSlash(p))
}

func (d *memDrive) ReadFile(p string) ([]byte, error) {
	d.mu.RLock()
	if b, ok := d.cache[p]; ok {
		d.mu.RUnlock()
		return b, nil
	}
	d.mu.RUnlock()

	b, err := os.ReadFile(d.fsPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cos.NewErrNotFound("file %s in archive %s", p, d.key.Hex())
		}
		return nil, err
	}
	d.mu.Lock()
	d.cache[p] = b
	d.mu.Unlock()
	return b, nil
}

func (d *memDrive) Stat(p string) (Info, error) {
	fi, err := os.Stat(d.fsPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, cos.NewErrNotFound("file %s in archive %s", p, d.key.Hex())
		}
		return Info{}, err
	}
	return Info{Name: fi.Name(), Size: fi.Size(), IsDir: fi.IsDir()}, nil
}

// HandleHTTP serves subpath out of the drive. It stands in for the
// hyperdrive-to-HTTP adapter, reduced to a plain file server rooted at the
// key's fixture directory.
func (d *memDrive) HandleHTTP(w http.ResponseWriter, r *http.Request, subpath string) {
	info, err := d.Stat(subpath)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if info.IsDir {
		d.serveDir(w, subpath)
		return
	}
	b, err := d.ReadFile(subpath)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	http.ServeContent(w, r, info.Name, modTime(d.fsPath(subpath)), strings.NewReader(string(b)))
}

func (d *memDrive) serveDir(w http.ResponseWriter, subpath string) {
	entries, err := os.ReadDir(d.fsPath(subpath))
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		if _, err := w.Write([]byte("<a href=\"" + name + "\">" + name + "</a><br>\n")); err != nil {
			nlog.Warningf("archive %s: directory listing write: %v", d.key.Hex(), err)
			return
		}
	}
}

func modTime(p string) time.Time {
	fi, err := os.Stat(p)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}
