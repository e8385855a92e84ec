package cmvar

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"testing"
)

var skipRegisterLogging = testing.Testing()

// RegisterLogger is passed as bstore.Options.RegisterLogger when opening the
// master or satellite database.
//
// Under test, nothing is logged for databases that are being created, there are
// many of them and the schema logging is not helpful.
func RegisterLogger(path string, log *slog.Logger) *slog.Logger {
	if !skipRegisterLogging {
		return log
	}
	if _, err := os.Stat(path); err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return log
}
