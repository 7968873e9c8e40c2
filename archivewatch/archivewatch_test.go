/*
Copyright 2025 The AddLidar Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package archivewatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epfl-enac/lidar-orchestrator/catalog"
)

func newTestWatcher(t *testing.T) (*Watcher, *catalog.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	zipRoot := filepath.Join(dir, "zip")
	require.NoError(t, os.MkdirAll(zipRoot, 0755))
	return &Watcher{
		ZipRoot:    zipRoot,
		Catalog:    store,
		MinFileAge: 10 * time.Second,
	}, store
}

func seedRunning(t *testing.T, store *catalog.Store, key string) {
	t.Helper()
	require.NoError(t, store.UpsertFolderOnChange(&catalog.FolderRecord{
		FolderKey:   key,
		MissionKey:  key[:3],
		Fingerprint: "abc",
		LastChecked: 1000,
	}))
	require.NoError(t, store.MarkFolderRunning(key))
}

func writeArchive(t *testing.T, w *Watcher, key string) string {
	t.Helper()
	path := filepath.Join(w.ZipRoot, filepath.FromSlash(key)+".tar.gz")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("archive"), 0644))
	return path
}

func TestKeyFor(t *testing.T) {
	w, _ := newTestWatcher(t)
	assert.Equal(t, "m01/f01", w.keyFor(filepath.Join(w.ZipRoot, "m01", "f01.tar.gz")))
	assert.Equal(t, "", w.keyFor(filepath.Join(w.ZipRoot, "m01", "f01.partial")))
	assert.Equal(t, "", w.keyFor("/elsewhere/m01/f01.tar.gz"))
}

func TestSweepSettlesStableArchive(t *testing.T) {
	w, store := newTestWatcher(t)
	seedRunning(t, store, "m01/f01")
	path := writeArchive(t, w, "m01/f01")
	w.note(path)

	// Archive looks fresh: nothing settles.
	w.Now = func() time.Time { return time.Now() }
	assert.Equal(t, 0, w.Sweep())
	rec, err := store.GetFolder("m01/f01")
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusRunning, rec.Status)

	// Move the clock past the settle window.
	w.Now = func() time.Time { return time.Now().Add(time.Minute) }
	assert.Equal(t, 1, w.Sweep())
	rec, err = store.GetFolder("m01/f01")
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusComplete, rec.Status)

	// Already settled; the candidate was forgotten.
	assert.Equal(t, 0, w.Sweep())
}

func TestSweepIgnoresCompletedRows(t *testing.T) {
	w, store := newTestWatcher(t)
	seedRunning(t, store, "m01/f01")
	_, err := store.MarkFolderComplete("m01/f01", 2000)
	require.NoError(t, err)

	path := writeArchive(t, w, "m01/f01")
	w.note(path)
	w.Now = func() time.Time { return time.Now().Add(time.Minute) }
	assert.Equal(t, 0, w.Sweep())
}

func TestSweepForgetsDeletedArchives(t *testing.T) {
	w, store := newTestWatcher(t)
	seedRunning(t, store, "m01/f01")
	path := writeArchive(t, w, "m01/f01")
	w.note(path)
	require.NoError(t, os.Remove(path))

	w.Now = func() time.Time { return time.Now().Add(time.Minute) }
	assert.Equal(t, 0, w.Sweep())
	rec, err := store.GetFolder("m01/f01")
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusRunning, rec.Status)
}

func TestScanExistingSeedsPending(t *testing.T) {
	w, store := newTestWatcher(t)
	seedRunning(t, store, "m01/f01")
	writeArchive(t, w, "m01/f01")

	require.NoError(t, w.scanExisting())
	w.Now = func() time.Time { return time.Now().Add(time.Minute) }
	assert.Equal(t, 1, w.Sweep())
}

func TestRunNoticesNewArchive(t *testing.T) {
	w, store := newTestWatcher(t)
	w.MinFileAge = time.Millisecond
	w.Interval = 20 * time.Millisecond
	seedRunning(t, store, "m01/f01")
	require.NoError(t, os.MkdirAll(filepath.Join(w.ZipRoot, "m01"), 0755))

	stop := make(chan struct{})
	errs := make(chan error, 1)
	go func() { errs <- w.Run(stop) }()
	// Let the watcher arm itself before writing.
	time.Sleep(50 * time.Millisecond)
	writeArchive(t, w, "m01/f01")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := store.GetFolder("m01/f01")
		require.NoError(t, err)
		if rec.Status == catalog.StatusComplete {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(stop)
	require.NoError(t, <-errs)

	rec, err := store.GetFolder("m01/f01")
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusComplete, rec.Status)
}
