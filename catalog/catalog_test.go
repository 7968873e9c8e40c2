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

package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testFolder(key string) *FolderRecord {
	return &FolderRecord{
		FolderKey:   key,
		MissionKey:  "m01",
		Fingerprint: "abc123",
		SizeKB:      42,
		FileCount:   2,
		LastChecked: 1000,
		OutputPath:  "zip/" + key + ".tar.gz",
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "catalog.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
}

func TestFolderUpsertAndGet(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetFolder("m01/f01")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpsertFolderOnChange(testFolder("m01/f01")))
	rec, err := s.GetFolder("m01/f01")
	require.NoError(t, err)
	assert.Equal(t, "m01", rec.MissionKey)
	assert.Equal(t, "abc123", rec.Fingerprint)
	assert.Equal(t, int64(42), rec.SizeKB)
	assert.Equal(t, int64(2), rec.FileCount)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Nil(t, rec.LastProcessed)
	assert.Nil(t, rec.ErrorMessage)
}

func TestUpsertResetsProcessingState(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertFolderOnChange(testFolder("m01/f01")))
	require.NoError(t, s.MarkFolderRunning("m01/f01"))
	require.NoError(t, s.MarkFolderTerminal("m01/f01", StatusFailed, 12, "boom", 2000))

	rec, err := s.GetFolder("m01/f01")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, "boom", *rec.ErrorMessage)
	require.NotNil(t, rec.LastProcessed)
	assert.Equal(t, int64(2000), *rec.LastProcessed)

	// A changed fingerprint wipes the old attempt.
	changed := testFolder("m01/f01")
	changed.Fingerprint = "def456"
	changed.LastChecked = 3000
	require.NoError(t, s.UpsertFolderOnChange(changed))

	rec, err = s.GetFolder("m01/f01")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "def456", rec.Fingerprint)
	assert.Nil(t, rec.LastProcessed)
	assert.Nil(t, rec.ErrorMessage)
	assert.Nil(t, rec.ProcessingS)
}

func TestTouchFolderKeepsProcessingState(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertFolderOnChange(testFolder("m01/f01")))
	require.NoError(t, s.MarkFolderTerminal("m01/f01", StatusComplete, 5, "", 2000))
	require.NoError(t, s.TouchFolder("m01/f01", 4000))

	rec, err := s.GetFolder("m01/f01")
	require.NoError(t, err)
	assert.Equal(t, int64(4000), rec.LastChecked)
	assert.Equal(t, StatusComplete, rec.Status)
	require.NotNil(t, rec.LastProcessed)
	assert.Equal(t, int64(2000), *rec.LastProcessed)
}

func TestMarkFolderTerminalRejectsNonTerminal(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertFolderOnChange(testFolder("m01/f01")))
	assert.Error(t, s.MarkFolderTerminal("m01/f01", StatusRunning, 0, "", 2000))
}

func TestMarkFolderComplete(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertFolderOnChange(testFolder("m01/f01")))
	require.NoError(t, s.MarkFolderRunning("m01/f01"))

	changed, err := s.MarkFolderComplete("m01/f01", 2000)
	require.NoError(t, err)
	assert.True(t, changed)

	// Already complete rows are not rewritten.
	changed, err = s.MarkFolderComplete("m01/f01", 3000)
	require.NoError(t, err)
	assert.False(t, changed)

	// Unknown keys settle nothing.
	changed, err = s.MarkFolderComplete("m99/f99", 2000)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMarkTerminalAdvancesLastChecked(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertFolderOnChange(testFolder("m01/f01")))
	require.NoError(t, s.MarkFolderTerminal("m01/f01", StatusComplete, 5, "", 2000))

	rec, err := s.GetFolder("m01/f01")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), rec.LastChecked)
	require.NotNil(t, rec.LastProcessed)
	assert.LessOrEqual(t, *rec.LastProcessed, rec.LastChecked)

	changed, err := s.MarkFolderComplete("m01/f02", 3000)
	require.NoError(t, err)
	assert.False(t, changed)
	require.NoError(t, s.UpsertFolderOnChange(testFolder("m01/f02")))
	changed, err = s.MarkFolderComplete("m01/f02", 3000)
	require.NoError(t, err)
	assert.True(t, changed)
	rec, err = s.GetFolder("m01/f02")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), rec.LastChecked)

	require.NoError(t, s.UpsertMissionOnChange(&MissionRecord{MissionKey: "m01", LastChecked: 1000}))
	require.NoError(t, s.MarkMissionTerminal("m01", StatusFailed, 5, "boom", 2000))
	m, err := s.GetMission("m01")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), m.LastChecked)
	require.NotNil(t, m.LastProcessed)
	assert.LessOrEqual(t, *m.LastProcessed, m.LastChecked)
}

func TestListFoldersBySubpathMatchesLiterally(t *testing.T) {
	s := openTestStore(t)
	for _, key := range []string{"m_1/f01", "mx1/f01", "m%1/f01"} {
		require.NoError(t, s.UpsertFolderOnChange(testFolder(key)))
	}

	recs, err := s.ListFoldersBySubpath("m_1/", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "m_1/f01", recs[0].FolderKey)

	recs, err = s.ListFoldersBySubpath("m%1/", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "m%1/f01", recs[0].FolderKey)
}

func TestListFolders(t *testing.T) {
	s := openTestStore(t)
	for i, key := range []string{"m01/f01", "m01/f02", "m02/f01"} {
		rec := testFolder(key)
		rec.MissionKey = key[:3]
		rec.LastChecked = int64(1000 + i)
		require.NoError(t, s.UpsertFolderOnChange(rec))
	}

	all, err := s.ListFolders(10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Most recently checked first.
	assert.Equal(t, "m02/f01", all[0].FolderKey)

	page, err := s.ListFolders(2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	prefixed, err := s.ListFoldersBySubpath("m01/", 10, 0)
	require.NoError(t, err)
	assert.Len(t, prefixed, 2)

	byMission, err := s.ListFoldersByMission("m02", 10, 0)
	require.NoError(t, err)
	require.Len(t, byMission, 1)
	assert.Equal(t, "m02/f01", byMission[0].FolderKey)

	pending, err := s.ListFoldersByStatus(StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestMissionLifecycle(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetMission("m01")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpsertMissionOnChange(&MissionRecord{
		MissionKey:  "m01",
		Fingerprint: "abc123",
		OutputPath:  "potree/m01",
		LastChecked: 1000,
	}))
	rec, err := s.GetMission("m01")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)

	require.NoError(t, s.MarkMissionRunning("m01"))
	require.NoError(t, s.MarkMissionTerminal("m01", StatusComplete, 30, "", 2000))
	rec, err = s.GetMission("m01")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, rec.Status)
	require.NotNil(t, rec.ProcessingS)
	assert.Equal(t, int64(30), *rec.ProcessingS)

	missions, err := s.ListMissions(10, 0)
	require.NoError(t, err)
	assert.Len(t, missions, 1)

	complete, err := s.ListMissionsByStatus(StatusComplete)
	require.NoError(t, err)
	assert.Len(t, complete, 1)
}

func TestStatusOverview(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertFolderOnChange(testFolder("m01/f01")))
	require.NoError(t, s.UpsertFolderOnChange(testFolder("m01/f02")))
	require.NoError(t, s.MarkFolderTerminal("m01/f02", StatusComplete, 5, "", 2000))
	require.NoError(t, s.UpsertMissionOnChange(&MissionRecord{MissionKey: "m01", LastChecked: 1000}))

	counts, err := s.StatusOverview()
	require.NoError(t, err)

	got := map[string]int64{}
	for _, c := range counts {
		got[c.Table+"/"+c.Status] = c.Count
	}
	assert.Equal(t, int64(1), got["folder_state/pending"])
	assert.Equal(t, int64(1), got["folder_state/complete"])
	assert.Equal(t, int64(1), got["potree_metacloud_state/pending"])
}

func TestInsertFolderComplete(t *testing.T) {
	s := openTestStore(t)
	rec := testFolder("m01/f01")
	require.NoError(t, s.InsertFolderComplete(rec))

	stored, err := s.GetFolder("m01/f01")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, stored.Status)
}
