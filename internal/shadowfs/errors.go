package shadowfs

import "fmt"

// NotFoundError reports an unknown shadow id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("shadow file not found: %s", e.ID)
}

// ConflictError reports that the original file changed between staging
// and apply. Both hashes are carried for diagnostic display.
type ConflictError struct {
	ExpectedHash string
	ActualHash   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict detected: expected hash %s, found %s", e.ExpectedHash, e.ActualHash)
}

// TargetExistsError reports a rename whose target path is occupied.
type TargetExistsError struct {
	Path string
}

func (e *TargetExistsError) Error() string {
	return fmt.Sprintf("rename target already exists: %s", e.Path)
}

// InvalidEncodingError reports a staging source that is not valid UTF-8.
// The staging area handles source text only.
type InvalidEncodingError struct {
	Path string
}

func (e *InvalidEncodingError) Error() string {
	return fmt.Sprintf("file is not valid UTF-8: %s", e.Path)
}
