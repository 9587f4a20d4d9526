// Package fsutil reads files confined to a directory.
package fsutil

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadInDir reads name from dir through an os.Root, so the read cannot leave
// dir even when name or a symlink points elsewhere. name must be a single
// path element.
func ReadInDir(dir, name string) ([]byte, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("invalid file name %q", name)
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	file, err := root.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}
