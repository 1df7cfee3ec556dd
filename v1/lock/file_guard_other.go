//go:build !unix && !windows

package lock

import (
	"errors"
	"os"
)

func lockFile(*os.File) error {
	return errors.ErrUnsupported
}

func unlockFile(*os.File) error {
	return nil
}
