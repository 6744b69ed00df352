//go:build windows

package usb

import (
	"errors"
	"io"

	"golang.org/x/sys/windows"
)

// isClientDisconnect tests whether an error represents a normal client
// disconnect (EOF, WSAECONNRESET, aborted). Those are logged at Info level
// instead of Error.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, windows.WSAECONNRESET) ||
		errors.Is(err, windows.WSAECONNABORTED)
}
