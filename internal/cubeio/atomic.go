package cubeio

import (
	"io"
	"os"
	"path/filepath"

	"cubered/internal/errors"
)

// writeAtomic streams content into a temp file beside path and renames it over
// path once fully written. On failure the temp file is removed and path is untouched.
func writeAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.IO("mkdir "+dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errors.IO("create temp", err)
	}
	name := tmp.Name()
	defer os.Remove(name)

	if err := write(tmp); err != nil {
		tmp.Close()
		return errors.IO("write "+path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.IO("sync "+path, err)
	}
	if err := tmp.Close(); err != nil {
		return errors.IO("close "+path, err)
	}
	if err := os.Rename(name, path); err != nil {
		return errors.IO("rename "+path, err)
	}
	return nil
}

// Exists reports whether path is a regular file.
func Exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}
