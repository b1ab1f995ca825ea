package musicgen

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// Open opens a state file for reading. A missing file is reported as
// ErrNotFound.
func Open(name string) (io.ReadCloser, error) {
	f, err := os.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	return f, nil
}

// readAll reads a whole file through Open.
func readAll(name string) ([]byte, error) {
	f, err := Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
