// Package peersync implements PeerSyncWithLeader (spec.md §4.5): catching a
// follower up by fetching exactly the updates it's missing from its leader,
// instead of copying the full index. The leader is reached through the
// LeaderClient interface; Sync makes each leader call once and reports a
// failed call as a failed sync, without retrying. The request/response
// shape is grounded on the teacher's internal/cluster/replicator.go
// sendReplicateRequest/doHTTPReplicate.
package peersync

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"replicacore/internal/fingerprint"
	"replicacore/internal/updatelog"
)

// LeaderClient is the wire-protocol surface PeerSync needs from a leader
// (spec.md §6: get recent versions + fingerprint, get specific updates,
// get fingerprint only).
type LeaderClient interface {
	RecentVersionsAndFingerprint(ctx context.Context, n int) ([]int64, fingerprint.Fingerprint, error)
	GetUpdates(ctx context.Context, spec updatelog.VersionSpec) ([]updatelog.Update, error)
	SupportsRangeQueries() bool
}

// Result is PeerSync's caller-visible outcome (spec.md §4.5): success needs
// no further work, failure means the caller must escalate to full-copy
// recovery.
type Result struct {
	ok             bool
	updatesFetched int
	reason         string
}

func success(fetched int) Result   { return Result{ok: true, updatesFetched: fetched} }
func failure(reason string) Result { return Result{ok: false, reason: reason} }

// Success reports whether the sync succeeded.
func (r Result) Success() bool { return r.ok }

// UpdatesFetched reports how many updates were pulled from the leader.
func (r Result) UpdatesFetched() int { return r.updatesFetched }

// Reason carries a human-readable failure cause; empty on success.
func (r Result) Reason() string { return r.reason }

// Options configures a sync attempt.
type Options struct {
	NUpdates     int  // window size, e.g. 100
	DoFingerprint bool
}

// Sync runs the protocol of spec.md §4.5 against leader, using log as both
// the source of our own version history and the destination for fetched
// updates. computeOwnFingerprint lets the caller recompute its own
// fingerprint after applying (it needs the opaque index engine, which this
// package does not depend on). applyToIndex pushes each caught-up update
// straight into the index, alongside the log append, so the self-verifying
// fingerprint comparison in step 13 compares against content that's
// actually visible — PeerSync's own catch-up set never waits on a
// subsequent REPLAY the way genuinely-live writes arriving during
// BUFFERING do.
func Sync(ctx context.Context, log *updatelog.Log, leader LeaderClient, opts Options, computeOwnFingerprint func(maxVersion int64) (fingerprint.Fingerprint, error), applyToIndex updatelog.ApplyFunc, logger *logrus.Entry) Result {
	logger = logger.WithField("component", "peersync")

	starting := log.StartingVersions()
	if len(starting) == 0 {
		// Step 1: no frame of reference.
		return failure("no starting versions: follower log is empty")
	}

	// Step 2.
	leaderVersions, leaderFP, err := leader.RecentVersionsAndFingerprint(ctx, opts.NUpdates)
	if err != nil {
		return failure("fetch leader recent versions: " + err.Error())
	}

	// Step 3.
	if opts.DoFingerprint {
		ownFP, err := computeOwnFingerprint(fingerprint.AtHead)
		if err == nil && fingerprint.Compare(ownFP, leaderFP) == 0 {
			logger.Debug("already in sync by fingerprint, skipping update fetch")
			return success(0)
		}
	}

	// Step 4.
	ourRecent := log.RecentVersions(opts.NUpdates)
	buffered := log.BufferedVersions()
	sortDesc(ourRecent)
	sortDesc(buffered)
	sortDesc(starting)
	sortDesc(leaderVersions)

	// Step 5: percentile thresholds, informational (the protocol below uses
	// smallestNewUpdate/startingVersions directly; these are surfaced for
	// operator diagnostics of "how stale was this replica").
	ourLowThreshold := percentile(starting, 0.8)
	ourHighThreshold := percentile(starting, 0.2)
	logger.WithFields(logrus.Fields{
		"ourLowThreshold": ourLowThreshold, "ourHighThreshold": ourHighThreshold,
	}).Debug("computed staleness thresholds")

	if len(ourRecent) == 0 {
		return failure("follower has no recent versions to anchor against")
	}

	// Step 6: overlap check.
	smallestNewUpdate := absInt64(ourRecent[len(ourRecent)-1])
	if absInt64(starting[0]) < smallestNewUpdate {
		return failure("overlap check failed: too much has happened since we went down")
	}

	// Step 7: merge anchor.
	ourSet := map[int64]bool{}
	for _, v := range ourRecent {
		ourSet[v] = true
	}
	for _, v := range buffered {
		ourSet[v] = true
	}
	for _, v := range starting {
		if absInt64(v) < smallestNewUpdate {
			ourSet[v] = true
		}
	}

	// Step 8: build the missed-updates request.
	missing, decision := diff(leaderVersions, ourSet)
	switch decision {
	case alreadyInSync:
		logger.Debug("already in sync: all leader versions present locally")
		return success(0)
	case unableToSync:
		return failure("leader's lowest known version is newer than our highest: too far behind")
	}
	if len(missing) > opts.NUpdates {
		return failure("missing update set exceeds sync window")
	}

	spec := updatelog.VersionSpec{Versions: missing}
	if leader.SupportsRangeQueries() {
		spec = compactToRanges(missing)
	}

	// Step 9.
	fetched, err := leader.GetUpdates(ctx, spec)
	if err != nil {
		return failure("fetch missed updates: " + err.Error())
	}
	if len(fetched) != len(missing) {
		return failure("leader returned a different number of updates than requested")
	}

	// Step 10: merge in our own buffered updates (already applied to
	// ourSet above for the diff; here we fold them into the apply set too
	// so a recovering follower's buffered writes aren't lost on replay).
	toApply := fetched
	bufferedUpdates := log.GetUpdates(updatelog.VersionSpec{Versions: buffered})
	toApply = append(toApply, bufferedUpdates...)

	// Step 11: gap handling for deletes.
	hasDeleteBeyondV := false
	for _, u := range toApply {
		if u.AbsVersion() > leaderFP.MaxVersionEncountered && (u.Op == updatelog.OpDeleteByID || u.Op == updatelog.OpDeleteByQuery) {
			hasDeleteBeyondV = true
			break
		}
	}
	if !hasDeleteBeyondV {
		pruned := toApply[:0]
		for _, u := range toApply {
			if u.AbsVersion() > leaderFP.MaxVersionEncountered && u.Op == updatelog.OpAdd {
				continue // leader hasn't indexed this add yet; it will arrive again
			}
			pruned = append(pruned, u)
		}
		toApply = pruned
	}

	// Step 12: apply the set to our log, and to the index itself so it's
	// immediately visible for this function's own fingerprint check below.
	for _, u := range toApply {
		if err := log.AppendUpdate(u); err != nil {
			return failure("apply missed update: " + err.Error())
		}
		if err := applyToIndex(u); err != nil {
			return failure("apply missed update to index: " + err.Error())
		}
	}

	// Step 13: verify.
	if opts.DoFingerprint {
		ownFP, err := computeOwnFingerprint(fingerprint.AtHead)
		if err != nil {
			return failure("recompute own fingerprint: " + err.Error())
		}
		if fingerprint.Compare(ownFP, leaderFP) != 0 {
			return failure("post-sync fingerprint mismatch")
		}
	}

	return success(len(fetched))
}

type diffDecision int

const (
	haveMissing diffDecision = iota
	alreadyInSync
	unableToSync
)

func diff(leaderVersions []int64, ourSet map[int64]bool) ([]int64, diffDecision) {
	if len(leaderVersions) == 0 {
		return nil, alreadyInSync
	}

	allPresent := true
	var missing []int64
	for _, v := range leaderVersions {
		if ourSet[v] {
			continue
		}
		allPresent = false
		missing = append(missing, v)
	}
	if allPresent {
		return nil, alreadyInSync
	}

	leaderLowest := absInt64(leaderVersions[len(leaderVersions)-1])
	var ourHighest int64
	for v := range ourSet {
		if absInt64(v) > ourHighest {
			ourHighest = absInt64(v)
		}
	}
	if leaderLowest > ourHighest {
		return nil, unableToSync
	}

	return missing, haveMissing
}

func compactToRanges(versions []int64) updatelog.VersionSpec {
	if len(versions) == 0 {
		return updatelog.VersionSpec{}
	}
	sorted := append([]int64(nil), versions...)
	sort.Slice(sorted, func(i, j int) bool { return absInt64(sorted[i]) < absInt64(sorted[j]) })

	var ranges [][2]int64
	lo := absInt64(sorted[0])
	hi := lo + 1
	for _, v := range sorted[1:] {
		av := absInt64(v)
		if av == hi {
			hi = av + 1
			continue
		}
		ranges = append(ranges, [2]int64{lo, hi})
		lo, hi = av, av+1
	}
	ranges = append(ranges, [2]int64{lo, hi})
	return updatelog.VersionSpec{Ranges: ranges}
}

func sortDesc(v []int64) {
	sort.Slice(v, func(i, j int) bool { return absInt64(v[i]) > absInt64(v[j]) })
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// percentile returns the value at fraction p (0..1) through a descending
// (newest-first) slice sorted by absolute value — "plenty old" at p=0.8,
// "still recent" at p=0.2.
func percentile(sortedDesc []int64, p float64) int64 {
	if len(sortedDesc) == 0 {
		return 0
	}
	idx := int(float64(len(sortedDesc)-1) * p)
	return sortedDesc[idx]
}
