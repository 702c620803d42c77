//go:build windows

package diagnostics

// CountFDs reports nothing on Windows, which has no descriptor listing.
func CountFDs() (open, limit int) {
	return 0, 0
}
