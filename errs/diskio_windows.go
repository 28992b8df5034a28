//go:build windows

package errs

import (
	"errors"

	"golang.org/x/sys/windows"
)

// errFileCorrupt is ERROR_FILE_CORRUPT, the Windows code the original
// toolchain surfaces for a failing-disk read on the bundled Rockchip tools.
const errFileCorrupt = 1392

func diskSectorErrorCode(err error) (int, bool) {
	var errno windows.Errno
	if errors.As(err, &errno) && int(errno) == errFileCorrupt {
		return errFileCorrupt, true
	}
	return 0, false
}
