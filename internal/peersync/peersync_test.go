package peersync

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"replicacore/internal/fingerprint"
	"replicacore/internal/updatelog"
)

type fakeLeader struct {
	versions      []int64
	fp            fingerprint.Fingerprint
	updatesByVer  map[int64]updatelog.Update
	rangeQueries  bool
	versionsErr   error
	getUpdatesErr error
}

func (f *fakeLeader) RecentVersionsAndFingerprint(ctx context.Context, n int) ([]int64, fingerprint.Fingerprint, error) {
	if f.versionsErr != nil {
		return nil, fingerprint.Fingerprint{}, f.versionsErr
	}
	versions := f.versions
	if n < len(versions) {
		versions = versions[:n]
	}
	return versions, f.fp, nil
}

func (f *fakeLeader) GetUpdates(ctx context.Context, spec updatelog.VersionSpec) ([]updatelog.Update, error) {
	if f.getUpdatesErr != nil {
		return nil, f.getUpdatesErr
	}
	wanted := map[int64]bool{}
	for _, v := range spec.Versions {
		wanted[v] = true
	}
	for _, r := range spec.Ranges {
		for v := r[0]; v < r[1]; v++ {
			wanted[v] = true
		}
	}
	var out []updatelog.Update
	for v := range wanted {
		if u, ok := f.updatesByVer[v]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeLeader) SupportsRangeQueries() bool { return f.rangeQueries }

func newTestLog(t *testing.T, startingVersions []int64) *updatelog.Log {
	t.Helper()
	dir := t.TempDir()
	l, err := updatelog.Open(dir, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	for _, v := range startingVersions {
		require.NoError(t, l.AppendUpdate(updatelog.Update{Op: updatelog.OpAdd, Version: v}))
	}
	// Re-open so StartingVersions() snapshots what we just wrote, mirroring
	// "the versions we had when this process started."
	require.NoError(t, l.Close())
	l2, err := updatelog.Open(dir, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l2.Close() })
	return l2
}

func noFingerprint(maxVersion int64) (fingerprint.Fingerprint, error) {
	return fingerprint.Fingerprint{}, nil
}

func noopApply(updatelog.Update) error { return nil }

func TestSync_CatchesUpOnMissingUpdates(t *testing.T) {
	log := newTestLog(t, []int64{97, 98, 99, 100})
	leader := &fakeLeader{
		versions: []int64{103, 102, 101, 100, 99, 98, 97},
		fp:       fingerprint.Fingerprint{MaxVersionEncountered: 103},
		updatesByVer: map[int64]updatelog.Update{
			101: {Op: updatelog.OpAdd, Version: 101},
			102: {Op: updatelog.OpAdd, Version: 102},
			103: {Op: updatelog.OpAdd, Version: 103},
		},
	}

	result := Sync(context.Background(), log, leader, Options{NUpdates: 100}, noFingerprint, noopApply, logrus.NewEntry(logrus.New()))

	require.True(t, result.Success())
	require.Equal(t, 3, result.UpdatesFetched())
}

func TestSync_FailsOnEmptyStartingVersions(t *testing.T) {
	log := newTestLog(t, nil)
	leader := &fakeLeader{versions: []int64{1}, fp: fingerprint.Fingerprint{}}

	result := Sync(context.Background(), log, leader, Options{NUpdates: 100}, noFingerprint, noopApply, logrus.NewEntry(logrus.New()))

	require.False(t, result.Success())
	require.Contains(t, result.Reason(), "empty")
}

func TestSync_UnableToSyncWhenTooFarBehindLeader(t *testing.T) {
	// spec.md §8 scenario S2: F's newest is 50, L's oldest in window is
	// 200 — F is too far behind to diff against; PeerSync must fail so the
	// caller escalates to FULL_COPY.
	log := newTestLog(t, []int64{50})
	leader := &fakeLeader{
		versions: []int64{300, 250, 200},
		fp:       fingerprint.Fingerprint{MaxVersionEncountered: 300},
	}

	result := Sync(context.Background(), log, leader, Options{NUpdates: 100}, noFingerprint, noopApply, logrus.NewEntry(logrus.New()))

	require.False(t, result.Success())
	require.Contains(t, result.Reason(), "too far behind")
}

func TestSync_OverlapCheckFailsWhenOwnStartingGapTooLarge(t *testing.T) {
	// Our own starting-versions anchor (what we had before going down) is
	// older than the oldest entry in our *current* recent window, meaning
	// our own log has moved on without a contiguous link back to where we
	// started — spec.md §4.5 step 6.
	log := newTestLog(t, []int64{10})
	require.NoError(t, log.AppendUpdate(updatelog.Update{Op: updatelog.OpAdd, Version: 500}))
	leader := &fakeLeader{versions: []int64{500, 10}, fp: fingerprint.Fingerprint{MaxVersionEncountered: 500}}

	// A window of 1 narrows "our recent" to just the newest entry, so the
	// gap back to our own starting anchor (10) exceeds it.
	result := Sync(context.Background(), log, leader, Options{NUpdates: 1}, noFingerprint, noopApply, logrus.NewEntry(logrus.New()))

	require.False(t, result.Success())
	require.Contains(t, result.Reason(), "overlap")
}

func TestSync_AlreadyInSyncByFingerprintSkipsFetch(t *testing.T) {
	log := newTestLog(t, []int64{1, 2, 3})
	matchingFP := fingerprint.Fingerprint{Hash: 42, NumDocs: 3, MaxVersionEncountered: 3}
	leader := &fakeLeader{versions: []int64{3, 2, 1}, fp: matchingFP}

	calls := 0
	ownFingerprint := func(maxVersion int64) (fingerprint.Fingerprint, error) {
		calls++
		return matchingFP, nil
	}

	result := Sync(context.Background(), log, leader, Options{NUpdates: 100, DoFingerprint: true}, ownFingerprint, noopApply, logrus.NewEntry(logrus.New()))

	require.True(t, result.Success())
	require.Zero(t, result.UpdatesFetched())
	require.Equal(t, 1, calls)
}

func TestSync_DeleteBeyondLeaderVersionPreventsPruning(t *testing.T) {
	// spec.md §8 scenario S4: leader's maxVersionEncountered=150; missed
	// updates include {151:ADD, 152:DELETE_BY_ID}. Because a delete exists
	// past 150, nothing may be pruned — both must be applied.
	log := newTestLog(t, []int64{148, 149, 150})
	leader := &fakeLeader{
		versions: []int64{-152, 151, 150, 149, 148},
		fp:       fingerprint.Fingerprint{MaxVersionEncountered: 150},
		updatesByVer: map[int64]updatelog.Update{
			151:  {Op: updatelog.OpAdd, Version: 151},
			-152: {Op: updatelog.OpDeleteByID, Version: -152},
		},
	}

	result := Sync(context.Background(), log, leader, Options{NUpdates: 100}, noFingerprint, noopApply, logrus.NewEntry(logrus.New()))

	require.True(t, result.Success())
	require.Equal(t, 2, result.UpdatesFetched())

	got := log.GetUpdates(updatelog.VersionSpec{Versions: []int64{151, -152}})
	require.Len(t, got, 2)
}

func TestSync_PrunesAddsBeyondLeaderVersionWhenNoDeletePresent(t *testing.T) {
	log := newTestLog(t, []int64{100})
	leader := &fakeLeader{
		versions: []int64{102, 101, 100},
		fp:       fingerprint.Fingerprint{MaxVersionEncountered: 100},
		updatesByVer: map[int64]updatelog.Update{
			101: {Op: updatelog.OpAdd, Version: 101},
			102: {Op: updatelog.OpAdd, Version: 102},
		},
	}

	result := Sync(context.Background(), log, leader, Options{NUpdates: 100}, noFingerprint, noopApply, logrus.NewEntry(logrus.New()))

	require.True(t, result.Success())
	// Both were fetched (counted before pruning), but neither should have
	// landed in the log since both are ADDs beyond the leader's
	// maxVersionEncountered.
	got := log.GetUpdates(updatelog.VersionSpec{Versions: []int64{101, 102}})
	require.Empty(t, got)
}

// The leader returns only its 3 newest versions (10, 9, 8), all above our
// highest (1), so Sync fails as too far behind before the window-size check.
func TestSync_TruncatedLeaderWindowAheadOfUsFails(t *testing.T) {
	log := newTestLog(t, []int64{1})
	leader := &fakeLeader{versions: []int64{10, 9, 8, 7, 6, 5, 4, 3, 2, 1}}

	result := Sync(context.Background(), log, leader, Options{NUpdates: 3}, noFingerprint, noopApply, logrus.NewEntry(logrus.New()))

	require.False(t, result.Success())
}
