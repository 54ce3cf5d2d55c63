package diffengine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeModify(t *testing.T) {
	original := "line1\nline2\nline3\n"
	modified := "line1\nmodified\nline3\n"

	patch := Compute(original, modified, "test.txt", 3)

	assert.Equal(t, OpModify, patch.Operation)
	assert.Equal(t, 1, patch.Additions)
	assert.Equal(t, 1, patch.Deletions)
	require.Len(t, patch.Hunks, 1)

	hunk := patch.Hunks[0]
	assert.Equal(t, 0, hunk.OldStart)
	assert.Equal(t, 3, hunk.OldLines)
	assert.Equal(t, 3, hunk.NewLines)
	assert.Equal(t, "@@ -1,3 +1,3 @@", hunk.Header)
	assert.Contains(t, hunk.Content, "-line2\n")
	assert.Contains(t, hunk.Content, "+modified\n")
}

func TestComputeCreate(t *testing.T) {
	patch := Compute("", "new content\n", "new.txt", 3)

	assert.Equal(t, OpCreate, patch.Operation)
	require.NotNil(t, patch.FullContent)
	assert.Equal(t, "new content\n", *patch.FullContent)
	assert.Equal(t, 1, patch.Additions)
}

func TestComputeDelete(t *testing.T) {
	patch := Compute("old content\n", "", "old.txt", 3)

	assert.Equal(t, OpDelete, patch.Operation)
	assert.Nil(t, patch.FullContent)
	assert.Equal(t, 1, patch.Deletions)
}

func TestComputeNoChanges(t *testing.T) {
	patch := Compute("same\n", "same\n", "same.txt", 3)

	assert.Empty(t, patch.Hunks)
	assert.Zero(t, patch.Additions)
	assert.Zero(t, patch.Deletions)
}

func TestComputeSplitsDistantChanges(t *testing.T) {
	var oldLines, newLines []string
	for i := 0; i < 30; i++ {
		oldLines = append(oldLines, "common")
		newLines = append(newLines, "common")
	}
	oldLines[2] = "first-old"
	newLines[2] = "first-new"
	oldLines[25] = "second-old"
	newLines[25] = "second-new"

	original := strings.Join(oldLines, "\n") + "\n"
	modified := strings.Join(newLines, "\n") + "\n"

	patch := Compute(original, modified, "big.txt", 3)
	assert.Len(t, patch.Hunks, 2)

	applied, err := Apply(original, patch)
	require.NoError(t, err)
	assert.Equal(t, modified, applied)
}

func TestApplyRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		original string
		modified string
	}{
		{"single line change", "line1\nline2\nline3\n", "line1\nX\nline3\n"},
		{"append lines", "a\nb\n", "a\nb\nc\nd\n"},
		{"remove lines", "a\nb\nc\nd\n", "a\nd\n"},
		{"prepend", "tail\n", "head\ntail\n"},
		{"unicode", "héllo\nwörld\n", "héllo\nmondé\n"},
		{"crlf preserved", "one\r\ntwo\r\n", "one\r\nzwei\r\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			patch := Compute(tc.original, tc.modified, "f.txt", 3)
			applied, err := Apply(tc.original, patch)
			require.NoError(t, err)
			assert.Equal(t, tc.modified, applied)
		})
	}
}

func TestApplyCreateAndDelete(t *testing.T) {
	create := Compute("", "fresh\n", "f.txt", 3)
	out, err := Apply("", create)
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", out)

	del := Compute("doomed\n", "", "f.txt", 3)
	out, err = Apply("doomed\n", del)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestApplyOutOfBoundsHunk(t *testing.T) {
	patch := &FilePatch{
		Operation: OpModify,
		Hunks: []DiffHunk{
			{OldStart: 10, OldLines: 1, NewStart: 10, NewLines: 1, Content: "-x\n+y\n"},
		},
	}

	_, err := Apply("a\nb\n", patch)
	var oob *OutOfBoundsError
	require.ErrorAs(t, err, &oob)
	assert.Equal(t, 10, oob.Line)
}

func TestParseUnified(t *testing.T) {
	raw := "@@ -1,3 +1,3 @@\n line1\n-line2\n+changed\n line3\n"

	patch, err := ParseUnified(raw, "test.txt")
	require.NoError(t, err)
	assert.Equal(t, "test.txt", patch.FilePath)
	assert.Equal(t, 1, patch.Additions)
	assert.Equal(t, 1, patch.Deletions)
	require.Len(t, patch.Hunks, 1)
	assert.Equal(t, 0, patch.Hunks[0].OldStart)

	applied, err := Apply("line1\nline2\nline3\n", patch)
	require.NoError(t, err)
	assert.Equal(t, "line1\nchanged\nline3\n", applied)
}

func TestParseUnifiedWithHeaders(t *testing.T) {
	raw := "--- a/test.txt\n+++ b/test.txt\n@@ -1,2 +1,2 @@\n keep\n-drop\n+add\n"

	patch, err := ParseUnified(raw, "test.txt")
	require.NoError(t, err)
	require.Len(t, patch.Hunks, 1)

	applied, err := Apply("keep\ndrop\n", patch)
	require.NoError(t, err)
	assert.Equal(t, "keep\nadd\n", applied)
}

func TestParseUnifiedInvalid(t *testing.T) {
	_, err := ParseUnified("not a diff at all", "f.txt")
	assert.Error(t, err)
}

func TestUnifiedRendering(t *testing.T) {
	patch := Compute("a\nb\n", "a\nc\n", "dir/file.txt", 3)
	text := Unified(patch)

	assert.True(t, strings.HasPrefix(text, "--- a/dir/file.txt\n+++ b/dir/file.txt\n"))
	assert.Contains(t, text, "@@ -1,2 +1,2 @@\n")
	assert.Contains(t, text, "-b\n")
	assert.Contains(t, text, "+c\n")

	created := Compute("", "x\n", "new.txt", 3)
	assert.Contains(t, Unified(created), "--- /dev/null\n")

	deleted := Compute("x\n", "", "gone.txt", 3)
	assert.Contains(t, Unified(deleted), "+++ /dev/null\n")
}
