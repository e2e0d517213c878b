package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hanko-field/orderflow/internal/repositories"
)

// ErrStoreUnavailable indicates the backing store timed out or could not be reached.
// No partial state is committed; the caller may retry.
var ErrStoreUnavailable = errors.New("store: unavailable")

const compensationTimeout = 30 * time.Second

// storeContext bounds a single store round trip.
func storeContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// detachedContext keeps compensation running after the caller has gone away.
func detachedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
}

// unavailableError reports whether err is a timeout or an unreachable store and wraps
// it with ErrStoreUnavailable.
func unavailableError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err), true
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err), true
	}
	return err, false
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
