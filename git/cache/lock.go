package cache

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/danjacques/gofslock/fslock"
	platformerrors "github.com/jmgilman/go/errors"
)

// lockRetryDelay is how long a blocked caller sleeps between attempts to
// take an advisory lock held by another process.
const lockRetryDelay = 50 * time.Millisecond

// withFileLock runs fn while holding the advisory lock at path, waiting for
// other processes to release it.
func withFileLock(logger *slog.Logger, path string, fn func() error) error {
	logged := false
	blocker := func() error {
		if !logged {
			logger.Debug("waiting for file lock", "path", path)
			logged = true
		}
		time.Sleep(lockRetryDelay)
		return nil
	}

	var inner error
	err := fslock.WithBlocking(path, blocker, func() error {
		inner = fn()
		return inner
	})
	if inner != nil {
		return inner
	}
	if err != nil {
		return platformerrors.Wrapf(err, platformerrors.CodeInternal,
			"failed to acquire file lock `%s`", filepath.Base(path))
	}
	return nil
}
