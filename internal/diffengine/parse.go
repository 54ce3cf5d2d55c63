package diffengine

import (
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// ParseUnified converts raw unified-diff text into a FilePatch for
// filePath. Agents may propose changes as diff text instead of structured
// hunks; the result is equivalent to what Compute would have produced for
// the same change.
func ParseUnified(raw, filePath string) (*FilePatch, error) {
	if !strings.HasPrefix(raw, "---") && !strings.HasPrefix(raw, "diff ") {
		raw = "--- a/file\n+++ b/file\n" + raw
	}

	fileDiff, err := diff.ParseFileDiff([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse unified diff: %w", err)
	}

	patch := &FilePatch{
		ID:        newPatchID(),
		Timestamp: nowRFC3339(),
		FilePath:  filePath,
		Operation: OpModify,
		Hunks:     make([]DiffHunk, 0, len(fileDiff.Hunks)),
	}

	for _, h := range fileDiff.Hunks {
		oldStart := int(h.OrigStartLine) - 1
		if oldStart < 0 {
			oldStart = 0
		}
		newStart := int(h.NewStartLine) - 1
		if newStart < 0 {
			newStart = 0
		}

		content := string(h.Body)
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}

		for _, line := range strings.Split(content, "\n") {
			switch {
			case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
				patch.Additions++
			case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
				patch.Deletions++
			}
		}

		patch.Hunks = append(patch.Hunks, DiffHunk{
			OldStart: oldStart,
			OldLines: int(h.OrigLines),
			NewStart: newStart,
			NewLines: int(h.NewLines),
			Content:  content,
			Header:   fmt.Sprintf("@@ -%d,%d +%d,%d @@", oldStart+1, h.OrigLines, newStart+1, h.NewLines),
		})
	}

	return patch, nil
}
