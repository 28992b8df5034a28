//go:build !windows

package errs

// diskSectorErrorCode has no platform-specific disk sector-error signature
// to match on non-Windows hosts; the bundled Rockchip tools only ever
// surface ERROR_FILE_CORRUPT (1392) on Windows. Unix callers rely on
// ordinary I/O error wrapping instead.
func diskSectorErrorCode(_ error) (int, bool) {
	return 0, false
}
