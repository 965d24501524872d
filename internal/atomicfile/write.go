// Package atomicfile writes files crash-safely: content goes to a temporary
// file in the target directory, which is synced and then renamed over the
// target.
package atomicfile

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteFunc streams content produced by fill into path atomically. fill
// writes to a buffered writer backed by the temporary file; if fill or any
// later step fails, the temporary file is removed and path is untouched.
func WriteFunc(path string, perm os.FileMode, fill func(w io.Writer) error) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmpName)
		}
	}()

	bw := bufio.NewWriter(f)
	if err = fill(bw); err != nil {
		return fmt.Errorf("fill temp file: %w", err)
	}
	if err = bw.Flush(); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = f.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Write atomically replaces path with data.
func Write(path string, data []byte, perm os.FileMode) error {
	return WriteFunc(path, perm, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// WriteJSON atomically replaces path with the indented JSON encoding of v.
func WriteJSON(path string, v any, perm os.FileMode) error {
	return WriteFunc(path, perm, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}
