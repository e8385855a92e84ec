package cm

import (
	"path/filepath"
)

// DataDirPath returns p, relative to dataDir if p is relative.
func DataDirPath(dataDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dataDir, p)
}

// DataDir returns p relative to the configured data directory.
func DataDir(p string) string {
	return DataDirPath(Conf.Static.DataDir, p)
}
