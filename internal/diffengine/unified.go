package diffengine

import (
	"fmt"
	"strings"
)

// Unified renders a patch as conventional unified-diff text for display.
func Unified(patch *FilePatch) string {
	var out strings.Builder

	oldPath := "a/" + patch.FilePath
	if patch.Operation == OpCreate {
		oldPath = "/dev/null"
	}

	newPath := "b/" + patch.FilePath
	switch {
	case patch.Operation == OpDelete:
		newPath = "/dev/null"
	case patch.NewFilePath != "":
		newPath = "b/" + patch.NewFilePath
	}

	fmt.Fprintf(&out, "--- %s\n", oldPath)
	fmt.Fprintf(&out, "+++ %s\n", newPath)

	for i := range patch.Hunks {
		out.WriteString(patch.Hunks[i].Header)
		out.WriteByte('\n')
		out.WriteString(patch.Hunks[i].Content)
	}

	return out.String()
}
