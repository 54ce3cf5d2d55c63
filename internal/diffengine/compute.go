package diffengine

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type lineTag int

const (
	tagContext lineTag = iota
	tagDelete
	tagInsert
)

// lineOp is one line of the computed diff before hunk grouping.
type lineOp struct {
	tag     lineTag
	oldLine int // 0-based index in original, -1 for inserts
	newLine int // 0-based index in modified, -1 for deletes
	text    string
}

// Compute produces a FilePatch describing how to turn original into
// modified. Changes are grouped into hunks carrying contextLines of
// surrounding unchanged lines. An empty original classifies the patch as
// create (FullContent is set to the modified text); an empty modified
// classifies it as delete.
func Compute(original, modified, filePath string, contextLines int) *FilePatch {
	ops := lineDiff(original, modified)
	hunks, additions, deletions := groupHunks(ops, contextLines)

	patch := &FilePatch{
		ID:        newPatchID(),
		Timestamp: nowRFC3339(),
		FilePath:  filePath,
		Operation: OpModify,
		Hunks:     hunks,
		Additions: additions,
		Deletions: deletions,
	}

	switch {
	case original == "":
		patch.Operation = OpCreate
		content := modified
		patch.FullContent = &content
	case modified == "":
		patch.Operation = OpDelete
	}

	return patch
}

// lineDiff runs a line-level Myers diff and flattens it into per-line
// operations with old/new indexes.
func lineDiff(original, modified string) []lineOp {
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(original, modified)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	ops := make([]lineOp, 0)
	oldIdx, newIdx := 0, 0

	for _, d := range diffs {
		for _, text := range splitLines(d.Text) {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				ops = append(ops, lineOp{tag: tagContext, oldLine: oldIdx, newLine: newIdx, text: text})
				oldIdx++
				newIdx++
			case diffmatchpatch.DiffDelete:
				ops = append(ops, lineOp{tag: tagDelete, oldLine: oldIdx, newLine: -1, text: text})
				oldIdx++
			case diffmatchpatch.DiffInsert:
				ops = append(ops, lineOp{tag: tagInsert, oldLine: -1, newLine: newIdx, text: text})
				newIdx++
			}
		}
	}

	return ops
}

// splitLines splits diff text into lines without trailing newlines. A
// trailing empty element from a final newline is dropped; a last line
// without a newline is kept.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// groupHunks clusters changed lines into hunks, keeping up to contextLines
// of unchanged lines on either side. Clusters closer than two context
// widths merge into one hunk.
func groupHunks(ops []lineOp, contextLines int) ([]DiffHunk, int, int) {
	additions, deletions := 0, 0
	for _, op := range ops {
		switch op.tag {
		case tagInsert:
			additions++
		case tagDelete:
			deletions++
		}
	}
	if additions == 0 && deletions == 0 {
		return nil, 0, 0
	}

	changed := make([]int, 0)
	for i, op := range ops {
		if op.tag != tagContext {
			changed = append(changed, i)
		}
	}

	type span struct{ start, end int } // inclusive op index range
	spans := make([]span, 0)
	cur := span{start: changed[0], end: changed[0]}
	for _, idx := range changed[1:] {
		if idx-cur.end <= 2*contextLines+1 {
			cur.end = idx
			continue
		}
		spans = append(spans, cur)
		cur = span{start: idx, end: idx}
	}
	spans = append(spans, cur)

	hunks := make([]DiffHunk, 0, len(spans))
	for _, sp := range spans {
		lo := sp.start - contextLines
		if lo < 0 {
			lo = 0
		}
		hi := sp.end + contextLines
		if hi > len(ops)-1 {
			hi = len(ops) - 1
		}
		hunks = append(hunks, buildHunk(ops[lo:hi+1]))
	}

	return hunks, additions, deletions
}

func buildHunk(ops []lineOp) DiffHunk {
	var content strings.Builder
	oldLines, newLines := 0, 0

	oldStart := ops[0].oldLine
	newStart := ops[0].newLine
	if oldStart < 0 {
		oldStart = 0
	}
	if newStart < 0 {
		newStart = 0
	}

	for _, op := range ops {
		switch op.tag {
		case tagDelete:
			content.WriteByte('-')
			oldLines++
		case tagInsert:
			content.WriteByte('+')
			newLines++
		case tagContext:
			content.WriteByte(' ')
			oldLines++
			newLines++
		}
		content.WriteString(op.text)
		content.WriteByte('\n')
	}

	return DiffHunk{
		OldStart: oldStart,
		OldLines: oldLines,
		NewStart: newStart,
		NewLines: newLines,
		Content:  content.String(),
		Header:   fmt.Sprintf("@@ -%d,%d +%d,%d @@", oldStart+1, oldLines, newStart+1, newLines),
	}
}
