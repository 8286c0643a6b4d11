// Package diag writes diagnostic reports straight to a file descriptor,
// bypassing os.File and any buffering, so output survives a crashing process.
package diag

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

type FDWriter struct {
	fd int
}

func NewFDWriter(fd int) *FDWriter {
	return &FDWriter{fd: fd}
}

// Stderr is the diagnostic stream used for reports.
func Stderr() *FDWriter {
	return NewFDWriter(unix.Stderr)
}

// Write writes all of p, retrying short writes and EINTR.
func (w *FDWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(w.fd, p[written:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
		written += n
	}
	return written, nil
}
