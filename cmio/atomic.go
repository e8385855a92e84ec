package cmio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes the data from fn to path.tmp, syncs it and renames it
// to path. On error the temporary file is removed. Readers never see a
// partially written file at path.
func WriteFileAtomic(path string, fn func(w io.Writer) error) (rerr error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0660)
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	defer func() {
		if f != nil {
			err := f.Close()
			pkglog.Check(err, "closing temporary file after error")
		}
		if rerr != nil {
			err := os.Remove(tmp)
			pkglog.Check(err, "removing temporary file after error")
		}
	}()
	if err := fn(f); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temporary file: %w", err)
	}
	err = f.Close()
	f = nil
	if err != nil {
		return fmt.Errorf("close temporary file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temporary file: %w", err)
	}
	return SyncDir(filepath.Dir(path))
}
