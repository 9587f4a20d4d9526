package config

import (
	"os"
	"path/filepath"
)

// AtomicWrite writes data to path so readers see either the old or the new
// content. Existing permissions are preserved; new files are created 0600.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}

	perm := os.FileMode(0o600)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	return writeFileAtomic(path, data, perm)
}

// WriteDefault writes DefaultConfigYAML to path. It refuses to overwrite an
// existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return os.ErrExist
		}
	}
	return AtomicWrite(path, []byte(DefaultConfigYAML))
}
