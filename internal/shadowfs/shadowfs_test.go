package shadowfs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coworkany/coworkany/internal/diffengine"
)

func newTestFS(t *testing.T) (*ShadowFS, string) {
	t.Helper()
	workspace := t.TempDir()
	fs, err := New(workspace)
	require.NoError(t, err)
	return fs, workspace
}

func writeWorkspaceFile(t *testing.T, workspace, name, content string) string {
	t.Helper()
	path := filepath.Join(workspace, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestStageComputesPatch(t *testing.T) {
	fs, workspace := newTestFS(t)
	path := writeWorkspaceFile(t, workspace, "main.go", "package main\n\nfunc main() {}\n")

	entry, err := fs.Stage(path, "package main\n\nfunc main() { println(1) }\n")
	require.NoError(t, err)

	assert.Equal(t, StatusPending, entry.Status)
	assert.True(t, entry.OriginalExists)
	assert.NotEmpty(t, entry.OriginalHash)
	require.NotNil(t, entry.Patch)
	assert.Equal(t, diffengine.OpModify, entry.Patch.Operation)
	assert.Equal(t, "main.go", entry.Patch.FilePath)
	assert.Equal(t, entry.ID, entry.Patch.ID)

	shadowContent, err := os.ReadFile(entry.ShadowPath)
	require.NoError(t, err)
	assert.Contains(t, string(shadowContent), "println(1)")
}

func TestStageNewFile(t *testing.T) {
	fs, workspace := newTestFS(t)
	path := filepath.Join(workspace, "new.txt")

	entry, err := fs.Stage(path, "hello\n")
	require.NoError(t, err)

	assert.False(t, entry.OriginalExists)
	assert.Empty(t, entry.OriginalHash)
	assert.Equal(t, diffengine.OpCreate, entry.Patch.Operation)
}

func TestStageRejectsBinaryOriginal(t *testing.T) {
	fs, workspace := newTestFS(t)
	path := filepath.Join(workspace, "blob.bin")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xfe, 0x00, 0x01}, 0644))

	_, err := fs.Stage(path, "text")
	var encErr *InvalidEncodingError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, path, encErr.Path)
}

func TestStageWithPatchRewritesID(t *testing.T) {
	fs, workspace := newTestFS(t)
	path := filepath.Join(workspace, "a.txt")

	patch := diffengine.Compute("", "x\n", "a.txt", 3)
	entry, err := fs.StageWithPatch(path, "x\n", patch)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, entry.Patch.ID)
}

func TestApproveApplyWithBackup(t *testing.T) {
	fs, workspace := newTestFS(t)
	path := writeWorkspaceFile(t, workspace, "a.txt", "old\n")

	entry, err := fs.Stage(path, "new\n")
	require.NoError(t, err)

	_, err = fs.Approve(entry.ID)
	require.NoError(t, err)

	result, err := fs.Apply(entry.ID, true)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, path, result.FilePath)
	assert.Equal(t, path+".bak", result.BackupPath)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(data))

	backup, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.Equal(t, "old\n", string(backup))

	applied, ok := fs.Get(entry.ID)
	require.True(t, ok)
	assert.Equal(t, StatusApplied, applied.Status)
	assert.NoFileExists(t, entry.ShadowPath)
}

func TestApplyRequiresApproval(t *testing.T) {
	fs, workspace := newTestFS(t)
	path := writeWorkspaceFile(t, workspace, "a.txt", "old\n")

	entry, err := fs.Stage(path, "new\n")
	require.NoError(t, err)

	result, err := fs.Apply(entry.ID, false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "file not approved", result.Error)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old\n", string(data))
}

func TestApplyDetectsConflict(t *testing.T) {
	fs, workspace := newTestFS(t)
	path := writeWorkspaceFile(t, workspace, "a.txt", "old\n")

	entry, err := fs.Stage(path, "new\n")
	require.NoError(t, err)
	_, err = fs.Approve(entry.ID)
	require.NoError(t, err)

	// Concurrent edit between staging and apply.
	require.NoError(t, os.WriteFile(path, []byte("changed elsewhere\n"), 0644))

	_, err = fs.Apply(entry.ID, false)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, entry.OriginalHash, conflict.ExpectedHash)
	assert.NotEqual(t, conflict.ExpectedHash, conflict.ActualHash)

	conflicted, ok := fs.Get(entry.ID)
	require.True(t, ok)
	assert.Equal(t, StatusConflict, conflicted.Status)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "changed elsewhere\n", string(data))
}

func TestApplyDeleteMovesToTrash(t *testing.T) {
	fs, workspace := newTestFS(t)
	path := writeWorkspaceFile(t, workspace, "doomed.txt", "bye\n")

	patch := diffengine.Compute("bye\n", "", "doomed.txt", 3)
	entry, err := fs.StageWithPatch(path, "", patch)
	require.NoError(t, err)
	_, err = fs.Approve(entry.ID)
	require.NoError(t, err)

	result, err := fs.Apply(entry.ID, true)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.BackupPath)
	assert.NoFileExists(t, path)

	trashed := filepath.Join(workspace, ".coworkany", "trash", entry.ID+"-doomed.txt")
	data, err := os.ReadFile(trashed)
	require.NoError(t, err)
	assert.Equal(t, "bye\n", string(data))
}

func readAuditRecords(t *testing.T, workspace string) []map[string]string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(workspace, ".coworkany", "audit-shadow.jsonl"))
	require.NoError(t, err)

	var records []map[string]string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var record map[string]string
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		records = append(records, record)
	}
	return records
}

func TestApplyDeleteVanishedOriginalStillRecorded(t *testing.T) {
	fs, workspace := newTestFS(t)

	// A delete staged for a path that is already gone: nothing to trash,
	// but the apply still lands in the journal.
	path := filepath.Join(workspace, "doomed.txt")
	patch := diffengine.Compute("bye\n", "", "doomed.txt", 3)
	entry, err := fs.StageWithPatch(path, "", patch)
	require.NoError(t, err)
	assert.False(t, entry.OriginalExists)
	_, err = fs.Approve(entry.ID)
	require.NoError(t, err)

	result, err := fs.Apply(entry.ID, false)
	require.NoError(t, err)
	assert.True(t, result.Success)

	deletes := 0
	for _, record := range readAuditRecords(t, workspace) {
		if record["action"] != "delete" {
			continue
		}
		deletes++
		assert.Equal(t, entry.ID, record["id"])
		assert.Equal(t, string(StatusApplied), record["status"])
	}
	assert.Equal(t, 1, deletes)
}

func TestApplyAuditJournalsFinalStatus(t *testing.T) {
	fs, workspace := newTestFS(t)
	path := writeWorkspaceFile(t, workspace, "a.txt", "old\n")

	entry, err := fs.Stage(path, "new\n")
	require.NoError(t, err)
	_, err = fs.Approve(entry.ID)
	require.NoError(t, err)
	_, err = fs.Apply(entry.ID, false)
	require.NoError(t, err)

	applies := 0
	for _, record := range readAuditRecords(t, workspace) {
		if record["action"] != "apply" {
			continue
		}
		applies++
		assert.Equal(t, string(StatusApplied), record["status"])
		assert.Equal(t, path, record["targetPath"])
	}
	assert.Equal(t, 1, applies)
}

func TestApplyRename(t *testing.T) {
	fs, workspace := newTestFS(t)
	path := writeWorkspaceFile(t, workspace, "old.txt", "content\n")
	target := filepath.Join(workspace, "sub", "new.txt")

	patch := diffengine.Compute("content\n", "content\n", "old.txt", 3)
	patch.Operation = diffengine.OpRename
	patch.NewFilePath = target

	entry, err := fs.StageWithPatch(path, "content\n", patch)
	require.NoError(t, err)
	_, err = fs.Approve(entry.ID)
	require.NoError(t, err)

	result, err := fs.Apply(entry.ID, false)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, target, result.FilePath)
	assert.NoFileExists(t, path)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "content\n", string(data))

	renamed, ok := fs.Get(entry.ID)
	require.True(t, ok)
	assert.Equal(t, target, renamed.OriginalPath)
}

func TestApplyRenameTargetOccupied(t *testing.T) {
	fs, workspace := newTestFS(t)
	path := writeWorkspaceFile(t, workspace, "old.txt", "content\n")
	target := writeWorkspaceFile(t, workspace, "taken.txt", "occupied\n")

	patch := diffengine.Compute("content\n", "content\n", "old.txt", 3)
	patch.Operation = diffengine.OpRename
	patch.NewFilePath = target

	entry, err := fs.StageWithPatch(path, "content\n", patch)
	require.NoError(t, err)
	_, err = fs.Approve(entry.ID)
	require.NoError(t, err)

	_, err = fs.Apply(entry.ID, false)
	var targetErr *TargetExistsError
	require.ErrorAs(t, err, &targetErr)
	assert.Equal(t, target, targetErr.Path)
	assert.FileExists(t, path)
}

func TestRejectRemovesShadowFile(t *testing.T) {
	fs, workspace := newTestFS(t)
	path := writeWorkspaceFile(t, workspace, "a.txt", "old\n")

	entry, err := fs.Stage(path, "new\n")
	require.NoError(t, err)

	require.NoError(t, fs.Reject(entry.ID))
	assert.NoFileExists(t, entry.ShadowPath)

	rejected, ok := fs.Get(entry.ID)
	require.True(t, ok)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Empty(t, fs.ListPending())
}

func TestRollbackRestoresBackup(t *testing.T) {
	fs, workspace := newTestFS(t)
	path := writeWorkspaceFile(t, workspace, "a.txt", "old\n")

	entry, err := fs.Stage(path, "new\n")
	require.NoError(t, err)
	_, err = fs.Approve(entry.ID)
	require.NoError(t, err)
	_, err = fs.Apply(entry.ID, true)
	require.NoError(t, err)

	require.NoError(t, fs.Rollback(entry.ID))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old\n", string(data))
	assert.NoFileExists(t, path+".bak")
}

func TestUnknownIDErrors(t *testing.T) {
	fs, _ := newTestFS(t)

	var notFound *NotFoundError
	_, err := fs.Approve("nope")
	require.ErrorAs(t, err, &notFound)
	require.ErrorAs(t, fs.Reject("nope"), &notFound)
	_, err = fs.Apply("nope", false)
	require.ErrorAs(t, err, &notFound)
}

func TestIndexSurvivesReload(t *testing.T) {
	fs, workspace := newTestFS(t)
	path := writeWorkspaceFile(t, workspace, "a.txt", "old\n")

	entry, err := fs.Stage(path, "new\n")
	require.NoError(t, err)

	reloaded, err := New(workspace)
	require.NoError(t, err)

	got, ok := reloaded.Get(entry.ID)
	require.True(t, ok)
	assert.Equal(t, entry.OriginalPath, got.OriginalPath)
	assert.Equal(t, StatusPending, got.Status)
	require.NotNil(t, got.Patch)
	assert.Equal(t, entry.Patch.ID, got.Patch.ID)
}

func TestCleanupDropsOldFinishedEntries(t *testing.T) {
	fs, workspace := newTestFS(t)
	path := writeWorkspaceFile(t, workspace, "a.txt", "old\n")

	entry, err := fs.Stage(path, "new\n")
	require.NoError(t, err)
	require.NoError(t, fs.Reject(entry.ID))

	pending, err := fs.Stage(path, "other\n")
	require.NoError(t, err)

	// Backdate the rejected entry past the cutoff.
	fs.mu.Lock()
	fs.files[entry.ID].CreatedAt = time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC3339Nano)
	fs.mu.Unlock()

	removed, err := fs.Cleanup(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := fs.Get(entry.ID)
	assert.False(t, ok)
	_, ok = fs.Get(pending.ID)
	assert.True(t, ok)
}

func TestCleanupTrashByAge(t *testing.T) {
	fs, workspace := newTestFS(t)
	trash := filepath.Join(workspace, ".coworkany", "trash")

	stale := filepath.Join(trash, "stale.txt")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	fresh := filepath.Join(trash, "fresh.txt")
	require.NoError(t, os.WriteFile(fresh, []byte("y"), 0644))

	removed, err := fs.CleanupTrash(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
}

func TestHashStable(t *testing.T) {
	assert.Equal(t, Hash("abc"), Hash("abc"))
	assert.NotEqual(t, Hash("abc"), Hash("abd"))
	assert.Len(t, Hash(""), 64)
}
