// Package shadowfs is the content-addressed staging area for proposed
// file changes. Writes, deletes, renames, and creates land here first;
// only after explicit approval does an entry touch the workspace, and a
// hash check at apply time guards against lost updates.
package shadowfs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/coworkany/coworkany/internal/diffengine"
	"github.com/coworkany/coworkany/internal/logger"
)

// Status is the lifecycle state of a staged change.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusApplied  Status = "applied"
	StatusConflict Status = "conflict"
)

// Entry is one staged change. The id doubles as the shadow file's
// on-disk name under the shadow root.
type Entry struct {
	ID             string                `json:"id"`
	OriginalPath   string                `json:"original_path"`
	OriginalExists bool                  `json:"original_exists"`
	OriginalHash   string                `json:"original_hash,omitempty"`
	ShadowPath     string                `json:"shadow_path"`
	ShadowHash     string                `json:"shadow_hash"`
	Status         Status                `json:"status"`
	CreatedAt      string                `json:"created_at"`
	ReviewedAt     string                `json:"reviewed_at,omitempty"`
	Patch          *diffengine.FilePatch `json:"patch,omitempty"`
}

// ApplyResult reports the outcome of applying an entry.
type ApplyResult struct {
	Success    bool   `json:"success"`
	FilePath   string `json:"file_path"`
	BackupPath string `json:"backup_path,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ShadowFS owns the shadow root, trash root, and index file. All
// operations are serialized by a single lock.
type ShadowFS struct {
	mu            sync.Mutex
	shadowRoot    string
	trashRoot     string
	workspaceRoot string
	files         map[string]*Entry
	indexPath     string
	auditPath     string
	watcher       *Watcher
	log           *logger.Logger
}

// New opens (or initializes) the shadow area under
// <workspaceRoot>/.coworkany. An existing index is loaded; a corrupt
// index is treated as empty.
func New(workspaceRoot string) (*ShadowFS, error) {
	stateDir := filepath.Join(workspaceRoot, ".coworkany")
	shadowRoot := filepath.Join(stateDir, "shadow")
	trashRoot := filepath.Join(stateDir, "trash")

	if err := os.MkdirAll(shadowRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create shadow root: %w", err)
	}
	if err := os.MkdirAll(trashRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create trash root: %w", err)
	}

	s := &ShadowFS{
		shadowRoot:    shadowRoot,
		trashRoot:     trashRoot,
		workspaceRoot: workspaceRoot,
		files:         make(map[string]*Entry),
		indexPath:     filepath.Join(shadowRoot, "index.json"),
		auditPath:     filepath.Join(stateDir, "audit-shadow.jsonl"),
		log:           logger.Global().WithPrefix("shadowfs"),
	}

	if data, err := os.ReadFile(s.indexPath); err == nil {
		if err := json.Unmarshal(data, &s.files); err != nil {
			s.log.Warn("Shadow index unreadable, starting empty: %v", err)
			s.files = make(map[string]*Entry)
		}
	}

	return s, nil
}

// AttachWatcher registers a conflict watcher. Entries already pending
// are tracked immediately; later stagings track on their own.
func (s *ShadowFS) AttachWatcher(w *Watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.watcher = w
	for _, entry := range s.files {
		if entry.Status == StatusPending {
			w.Track(entry)
		}
	}
}

// Stage stages newContent as a replacement for originalPath and computes
// the patch for review.
func (s *ShadowFS) Stage(originalPath, newContent string) (*Entry, error) {
	return s.StageWithPatch(originalPath, newContent, nil)
}

// StageWithPatch stages newContent with an explicit patch override; the
// override's id is rewritten to match the new entry.
func (s *ShadowFS) StageWithPatch(originalPath, newContent string, patchOverride *diffengine.FilePatch) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()

	originalExists := false
	originalContent := ""
	originalHash := ""
	if data, err := os.ReadFile(originalPath); err == nil {
		if !utf8.Valid(data) {
			return nil, &InvalidEncodingError{Path: originalPath}
		}
		originalExists = true
		originalContent = string(data)
		originalHash = Hash(originalContent)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read original: %w", err)
	}

	shadowPath := filepath.Join(s.shadowRoot, id)
	if err := os.WriteFile(shadowPath, []byte(newContent), 0644); err != nil {
		return nil, fmt.Errorf("failed to write shadow file: %w", err)
	}

	var patch *diffengine.FilePatch
	if patchOverride != nil {
		patch = patchOverride
	} else {
		relative := originalPath
		if rel, err := filepath.Rel(s.workspaceRoot, originalPath); err == nil && !strings.HasPrefix(rel, "..") {
			relative = rel
		}
		patch = diffengine.Compute(originalContent, newContent, relative, 3)
	}
	patch.ID = id

	entry := &Entry{
		ID:             id,
		OriginalPath:   originalPath,
		OriginalExists: originalExists,
		OriginalHash:   originalHash,
		ShadowPath:     shadowPath,
		ShadowHash:     Hash(newContent),
		Status:         StatusPending,
		CreatedAt:      now(),
		Patch:          patch,
	}

	s.files[id] = entry
	if err := s.saveIndex(); err != nil {
		return nil, err
	}

	if s.watcher != nil {
		s.watcher.Track(entry)
	}

	s.log.Info("Staged file: %s (%s)", originalPath, id)
	return cloneEntry(entry), nil
}

// Get returns a copy of an entry.
func (s *ShadowFS) Get(id string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.files[id]
	if !ok {
		return nil, false
	}
	return cloneEntry(entry), true
}

// ListPending returns copies of all entries still awaiting review.
func (s *ShadowFS) ListPending() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Entry, 0)
	for _, entry := range s.files {
		if entry.Status == StatusPending {
			out = append(out, cloneEntry(entry))
		}
	}
	return out
}

// Approve moves a pending entry to approved.
func (s *ShadowFS) Approve(id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.files[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}

	entry.Status = StatusApproved
	entry.ReviewedAt = now()
	s.auditRecord("approve", entry, entry.OriginalPath)

	if err := s.saveIndex(); err != nil {
		return nil, err
	}
	return cloneEntry(entry), nil
}

// Reject moves a pending entry to rejected and deletes its shadow file.
func (s *ShadowFS) Reject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.files[id]
	if !ok {
		return &NotFoundError{ID: id}
	}

	entry.Status = StatusRejected
	entry.ReviewedAt = now()
	s.auditRecord("reject", entry, entry.OriginalPath)

	if err := os.Remove(entry.ShadowPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove shadow file: %w", err)
	}

	if s.watcher != nil {
		s.watcher.Untrack(entry)
	}

	return s.saveIndex()
}

// Apply writes an approved entry to the workspace. The original is
// re-hashed first; a mismatch marks the entry conflicted and fails
// without touching the file. Deletes move the original into the trash,
// renames move it to the patch's target, creates and modifies overwrite
// in place. Backups are written only when the original will be
// overwritten in place.
func (s *ShadowFS) Apply(id string, createBackup bool) (*ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.files[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}

	if entry.Status != StatusApproved {
		return &ApplyResult{
			Success:  false,
			FilePath: entry.OriginalPath,
			Error:    "file not approved",
		}, nil
	}

	if entry.OriginalExists && entry.OriginalHash != "" {
		data, err := os.ReadFile(entry.OriginalPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read original: %w", err)
		}
		actual := Hash(string(data))
		if actual != entry.OriginalHash {
			entry.Status = StatusConflict
			s.auditRecord("conflict", entry, entry.OriginalPath)
			if err := s.saveIndex(); err != nil {
				s.log.Warn("Failed to persist conflict status: %v", err)
			}
			return nil, &ConflictError{ExpectedHash: entry.OriginalHash, ActualHash: actual}
		}
	}

	operation := diffengine.OpModify
	targetPath := entry.OriginalPath
	if entry.Patch != nil {
		operation = entry.Patch.Operation
		if entry.Patch.NewFilePath != "" {
			targetPath = entry.Patch.NewFilePath
		}
	}

	originalExists := exists(entry.OriginalPath)

	backupPath := ""
	if createBackup && originalExists && operation != diffengine.OpDelete && operation != diffengine.OpRename {
		backupPath = entry.OriginalPath + ".bak"
		if err := copyFile(entry.OriginalPath, backupPath); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
	}

	action := "apply"
	auditTarget := entry.OriginalPath

	switch operation {
	case diffengine.OpDelete:
		action = "delete"
		if originalExists {
			trashed := filepath.Join(s.trashRoot, entry.ID+"-"+filepath.Base(entry.OriginalPath))
			if err := os.Rename(entry.OriginalPath, trashed); err != nil {
				// Cross-device moves fall back to copy+remove.
				if copyErr := copyFile(entry.OriginalPath, trashed); copyErr != nil {
					return nil, fmt.Errorf("failed to trash original: %w", copyErr)
				}
				if rmErr := os.Remove(entry.OriginalPath); rmErr != nil {
					return nil, fmt.Errorf("failed to remove original: %w", rmErr)
				}
				s.log.Debug("Trash rename failed, copied instead: %v", err)
			}
			auditTarget = trashed
		}

	case diffengine.OpRename:
		if originalExists {
			if exists(targetPath) && targetPath != entry.OriginalPath {
				return nil, &TargetExistsError{Path: targetPath}
			}
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return nil, fmt.Errorf("failed to create target directory: %w", err)
			}
			if err := os.Rename(entry.OriginalPath, targetPath); err != nil {
				return nil, fmt.Errorf("failed to rename: %w", err)
			}
		}
		shadowContent, err := os.ReadFile(entry.ShadowPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read shadow file: %w", err)
		}
		if err := os.WriteFile(targetPath, shadowContent, 0644); err != nil {
			return nil, fmt.Errorf("failed to write target: %w", err)
		}
		action = "rename"
		auditTarget = targetPath

	default:
		shadowContent, err := os.ReadFile(entry.ShadowPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read shadow file: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(entry.OriginalPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create parent directory: %w", err)
		}
		if err := os.WriteFile(entry.OriginalPath, shadowContent, 0644); err != nil {
			return nil, fmt.Errorf("failed to write original: %w", err)
		}
	}

	if s.watcher != nil {
		s.watcher.Untrack(entry)
	}

	// Exactly one record per apply, journaled with the final status.
	entry.Status = StatusApplied
	s.auditRecord(action, entry, auditTarget)
	if operation == diffengine.OpRename {
		entry.OriginalPath = targetPath
	}

	if err := os.Remove(entry.ShadowPath); err != nil && !os.IsNotExist(err) {
		s.log.Warn("Failed to remove shadow file %s: %v", entry.ShadowPath, err)
	}

	if err := s.saveIndex(); err != nil {
		return nil, err
	}

	s.log.Info("Applied shadow file: %s", targetPath)
	return &ApplyResult{Success: true, FilePath: targetPath, BackupPath: backupPath}, nil
}

// Rollback restores an entry's original from its backup, if one exists.
func (s *ShadowFS) Rollback(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.files[id]
	if !ok {
		return &NotFoundError{ID: id}
	}

	backupPath := entry.OriginalPath + ".bak"
	if !exists(backupPath) {
		s.log.Warn("No backup found for rollback: %s", entry.OriginalPath)
		return nil
	}

	if err := copyFile(backupPath, entry.OriginalPath); err != nil {
		return fmt.Errorf("failed to restore backup: %w", err)
	}
	if err := os.Remove(backupPath); err != nil {
		return fmt.Errorf("failed to remove backup: %w", err)
	}

	s.log.Info("Rolled back: %s", entry.OriginalPath)
	return nil
}

// Cleanup drops applied and rejected entries older than maxAge, removes
// their shadow files best-effort, and sweeps the trash.
func (s *ShadowFS) Cleanup(maxAge time.Duration) (int, error) {
	s.mu.Lock()

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for id, entry := range s.files {
		if entry.Status != StatusApplied && entry.Status != StatusRejected {
			continue
		}
		created, err := time.Parse(time.RFC3339Nano, entry.CreatedAt)
		if err != nil {
			continue
		}
		if created.After(cutoff) {
			continue
		}
		delete(s.files, id)
		if err := os.Remove(entry.ShadowPath); err != nil && !os.IsNotExist(err) {
			s.log.Warn("Failed to remove shadow file during cleanup: %v", err)
		}
		removed++
	}

	var err error
	if removed > 0 {
		err = s.saveIndex()
	}
	s.mu.Unlock()

	if _, trashErr := s.CleanupTrash(maxAge); trashErr != nil {
		s.log.Warn("Trash sweep failed: %v", trashErr)
	}
	return removed, err
}

// CleanupTrash removes trashed files whose modification time is older
// than maxAge.
func (s *ShadowFS) CleanupTrash(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.trashRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, dirEntry := range entries {
		info, err := dirEntry.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.trashRoot, dirEntry.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Hash is the canonical content hash for conflict detection: SHA-256
// over the raw bytes, hex encoded.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// saveIndex rewrites the index atomically with write-then-rename.
func (s *ShadowFS) saveIndex() error {
	data, err := json.MarshalIndent(s.files, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}

	tmp := s.indexPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath); err != nil {
		return fmt.Errorf("failed to replace index: %w", err)
	}
	return nil
}

func (s *ShadowFS) auditRecord(action string, entry *Entry, targetPath string) {
	record := map[string]interface{}{
		"timestamp":    now(),
		"action":       action,
		"id":           entry.ID,
		"originalPath": entry.OriginalPath,
		"targetPath":   targetPath,
		"status":       string(entry.Status),
	}

	line, err := json.Marshal(record)
	if err != nil {
		return
	}

	file, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		s.log.Warn("Failed to open shadow audit log: %v", err)
		return
	}
	defer file.Close()
	fmt.Fprintf(file, "%s\n", line)
}

func cloneEntry(entry *Entry) *Entry {
	copied := *entry
	if entry.Patch != nil {
		patch := *entry.Patch
		patch.Hunks = append([]diffengine.DiffHunk(nil), entry.Patch.Hunks...)
		copied.Patch = &patch
	}
	return &copied
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
