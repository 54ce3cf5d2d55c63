package diffengine

import "strings"

// Apply applies a patch to the original content and returns the new
// content. Create returns the patch's full content, delete returns the
// empty string, and modify walks the hunks against the original lines.
// Context is not verified here; the shadow filesystem guards against
// stale originals with its hash check.
func Apply(original string, patch *FilePatch) (string, error) {
	switch patch.Operation {
	case OpCreate:
		// A create without full content falls through and applies its
		// hunks against empty input.
		if patch.FullContent != nil {
			return *patch.FullContent, nil
		}
	case OpDelete:
		return "", nil
	}

	lines := splitLines(original)
	result := make([]string, 0, len(lines))
	cur := 0

	for i := range patch.Hunks {
		hunk := &patch.Hunks[i]

		if hunk.OldStart > len(lines) {
			return "", &OutOfBoundsError{Line: hunk.OldStart}
		}

		for cur < hunk.OldStart {
			if cur < len(lines) {
				result = append(result, lines[cur])
			}
			cur++
		}

		for _, line := range strings.Split(hunk.Content, "\n") {
			switch {
			case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
				result = append(result, line[1:])
			case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
				cur++
			case strings.HasPrefix(line, " "):
				result = append(result, line[1:])
				cur++
			}
		}
	}

	for cur < len(lines) {
		result = append(result, lines[cur])
		cur++
	}

	out := strings.Join(result, "\n")
	if out != "" && strings.HasSuffix(original, "\n") {
		out += "\n"
	}
	return out, nil
}
