// Package fullcopy implements the full-index fetcher of spec.md §4.6: pull
// a consistent index snapshot from the leader when delta sync (PeerSync)
// isn't sufficient. Each step (leader commit, fetch, local commit) runs
// once; a failed step ends the fetch with an unsuccessful Result and is not
// retried here. Call shape grounded on the teacher's
// internal/cluster/replicator.go.
package fullcopy

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"replicacore/internal/index"
)

// Options configures a fetch (spec.md §4.6, §9 open question 2:
// skipCommitOnMasterVersionZero is advisory, not a correctness requirement).
type Options struct {
	SkipCommitOnZeroMasterVersion bool
	DownloadTlog                  bool
}

// Result is the caller-visible outcome (spec.md §4.6).
type Result struct {
	Successful bool
	Message    string
	Err        error
}

// LeaderCommitter issues the "commit on leader" call of spec.md §6 before
// streaming files, so the leader's index view is stable for the duration of
// the fetch. skipIfZeroMasterVersion asks the leader to skip the commit
// entirely when its own index is still empty (spec.md §9 open question 2):
// there's nothing to stabilize, and the flag is only ever set true for TLOG
// replicas.
type LeaderCommitter interface {
	CommitOnLeader(ctx context.Context, skipIfZeroMasterVersion bool) error
}

// Fetch commits the leader, then streams and swaps in its index via the
// opaque Core.FetchFromLeader primitive. Idempotent on repeat: Core is
// expected to resume rather than corrupt the destination if called again
// after a partial failure (spec.md §4.6 "idempotent on repeat").
func Fetch(ctx context.Context, core index.Core, committer LeaderCommitter, leaderURL string, opts Options, log *logrus.Entry) Result {
	log = log.WithField("component", "fullcopy")

	if err := committer.CommitOnLeader(ctx, opts.SkipCommitOnZeroMasterVersion); err != nil {
		return Result{Successful: false, Message: "leader commit failed", Err: errors.Wrap(err, "commit on leader")}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	if err := core.FetchFromLeader(fetchCtx, leaderURL); err != nil {
		return Result{Successful: false, Message: "index fetch failed", Err: errors.Wrap(err, "fetch from leader")}
	}

	if err := core.Commit(ctx, true); err != nil {
		return Result{Successful: false, Message: "post-fetch commit failed", Err: errors.Wrap(err, "commit after fetch")}
	}

	return Result{Successful: true, Message: "index fetched and swapped in"}
}
