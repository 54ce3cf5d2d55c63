// Package diffengine computes unified diffs between file versions and
// applies them back. Patches produced here are attached to shadow entries
// so the user can review a change before it touches the workspace.
package diffengine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PatchOperation classifies what a patch does to its target file.
type PatchOperation string

const (
	OpCreate PatchOperation = "create"
	OpModify PatchOperation = "modify"
	OpDelete PatchOperation = "delete"
	OpRename PatchOperation = "rename"
)

// DiffHunk is a contiguous fragment of a unified diff. OldStart and
// NewStart are 0-based; the Header line uses the conventional 1-based form.
type DiffHunk struct {
	OldStart int    `json:"old_start"`
	OldLines int    `json:"old_lines"`
	NewStart int    `json:"new_start"`
	NewLines int    `json:"new_lines"`
	Content  string `json:"content"`
	Header   string `json:"header"`
	Context  string `json:"context,omitempty"`
}

// FilePatch is a complete proposed change to a single file.
type FilePatch struct {
	ID          string         `json:"id"`
	Timestamp   string         `json:"timestamp"`
	FilePath    string         `json:"file_path"`
	Operation   PatchOperation `json:"operation"`
	NewFilePath string         `json:"new_file_path,omitempty"`
	Hunks       []DiffHunk     `json:"hunks"`
	FullContent *string        `json:"full_content,omitempty"`
	Additions   int            `json:"additions"`
	Deletions   int            `json:"deletions"`
	Description string         `json:"description,omitempty"`
}

// OutOfBoundsError reports a hunk addressing lines past the end of input.
type OutOfBoundsError struct {
	Line int
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("line %d is out of bounds", e.Line)
}

// HunkMismatchError reports a hunk whose context does not match the input.
// The direct apply path does not verify context; this is surfaced only by
// strict appliers layered on top.
type HunkMismatchError struct {
	Line     int
	Expected string
	Found    string
}

func (e *HunkMismatchError) Error() string {
	return fmt.Sprintf("hunk does not apply cleanly at line %d: expected %q, found %q", e.Line, e.Expected, e.Found)
}

func newPatchID() string {
	return uuid.New().String()
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
