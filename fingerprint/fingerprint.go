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

// Package fingerprint computes deterministic digests of mission data so
// the change detector can tell whether a folder needs reprocessing.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
)

// fileEntry is one line of the canonical byte stream hashed for a
// directory: <relative_path>|<size_bytes>|<mtime>. Relative paths use
// forward slashes with no leading separator, and entries are sorted
// lexicographically by path before hashing.
type fileEntry struct {
	relPath string
	size    int64
	mtime   int64
}

// Stats describes a fingerprinted directory.
type Stats struct {
	Fingerprint string
	SizeKB      int64
	FileCount   int64
}

// Directory returns the SHA-256 digest of a directory tree's metadata as
// a lowercase hex string. Two invocations without intervening writes
// produce identical digests. Symbolic links are stat'd, not followed.
func Directory(root string) (string, error) {
	stats, err := DirectoryStats(root)
	if err != nil {
		return "", err
	}
	return stats.Fingerprint, nil
}

// DirectoryStats fingerprints a directory and also reports its total
// size in KB and regular file count, all from a single walk.
// Unreadable files are logged and skipped; the digest covers the files
// that could be read.
func DirectoryStats(root string) (Stats, error) {
	var entries []fileEntry
	var totalBytes int64

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			logrus.WithError(walkErr).WithField("path", path).Warn("Skipping unreadable entry.")
			return nil
		}
		if d.IsDir() {
			return nil
		}
		// DirEntry.Info does not follow symlinks, so links contribute
		// their own metadata and the walk never enters their target.
		info, err := d.Info()
		if err != nil {
			logrus.WithError(err).WithField("path", path).Warn("Skipping unstattable entry.")
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entries = append(entries, fileEntry{
			relPath: filepath.ToSlash(rel),
			size:    info.Size(),
			mtime:   info.ModTime().Unix(),
		})
		totalBytes += info.Size()
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("walking %s: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].relPath < entries[j].relPath })

	hasher := sha256.New()
	for _, e := range entries {
		fmt.Fprintf(hasher, "%s|%d|%d\n", e.relPath, e.size, e.mtime)
	}
	return Stats{
		Fingerprint: hex.EncodeToString(hasher.Sum(nil)),
		SizeKB:      totalBytes / 1024,
		FileCount:   int64(len(entries)),
	}, nil
}

// File returns the SHA-256 digest of a file's bytes, streamed in 4 KiB
// chunks, as a lowercase hex string.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
