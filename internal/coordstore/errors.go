package coordstore

import (
	"context"
	stderrors "errors"

	"github.com/pkg/errors"
	grpccodes "google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Sentinel errors for the coordination-store failure taxonomy (spec §4.1,
// §7). Callers compare with errors.Is; wrapped errors from the etcd client
// are translated into these at the coordstore boundary so nothing above
// this package imports clientv3 error types directly.
var (
	// ErrNoNode means the path does not exist. Expected in several control
	// paths (e.g. probing for a leader election node that hasn't been
	// created yet).
	ErrNoNode = errors.New("coordstore: no such node")

	// ErrVersionMismatch means an optimistic compare-and-set lost a race.
	ErrVersionMismatch = errors.New("coordstore: version mismatch")

	// ErrSessionExpired is fatal for any lock or ephemeral node derived from
	// the session; callers must tear down and rebuild.
	ErrSessionExpired = errors.New("coordstore: session expired")

	// ErrConnectionLoss is transient; callers retry with backoff.
	ErrConnectionLoss = errors.New("coordstore: connection loss")
)

// translate maps an error from the underlying etcd/grpc client into one of
// the sentinels above, wrapped with context via pkg/errors so Cause() still
// recovers the sentinel.
func translate(err error) error {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.Wrap(ErrConnectionLoss, err.Error())
	}

	if st, ok := grpcstatus.FromError(err); ok {
		switch st.Code() {
		case grpccodes.NotFound:
			return errors.Wrap(ErrNoNode, err.Error())
		case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.ResourceExhausted:
			return errors.Wrap(ErrConnectionLoss, err.Error())
		}
	}

	return err
}
