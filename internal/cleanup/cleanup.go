package cleanup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/M0Rf30/slskdn/internal/logctx"
)

// DeleteStaleParts deletes part files that saw no write for longer than
// keepDuration. Coordinators refresh the mod time with every verified
// segment, so anything older is an abandoned download.
func DeleteStaleParts(ctx context.Context, dir string, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // directory not created yet
			}

			return err
		}

		if d.IsDir() || !strings.HasSuffix(d.Name(), ".part") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil // already deleted
			}

			logger.Error("Failed to stat part file", "file", path, "err", err)

			return err
		}

		if now.Sub(info.ModTime()) > keepDuration {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.Error("Failed to delete stale part file", "file", path, "err", err)

				return err
			}

			logger.Info("Deleted stale part file", "file", path)
		}

		return nil
	})
}
