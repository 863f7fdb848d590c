//go:build !linux

package radio

import (
	"fmt"
	"io"
)

func openTermios(path string, baud int) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("termios driver not supported on this platform")
}
