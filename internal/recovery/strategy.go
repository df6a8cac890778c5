// Package recovery wires together coordstore, clusterstate, updatelog,
// fingerprint, peersync, fullcopy, election, and statepublish into the
// RecoveryStrategy state machine of spec.md §4.7. State-machine/retry shape
// grounded on the teacher's internal/cluster/replicator.go retry loop,
// generalized from "replicate one write" to "drive one replica back to
// ACTIVE".
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"replicacore/internal/clusterstate"
	"replicacore/internal/election"
	"replicacore/internal/fingerprint"
	"replicacore/internal/fullcopy"
	"replicacore/internal/index"
	"replicacore/internal/peersync"
	"replicacore/internal/statepublish"
	"replicacore/internal/updatelog"
)

// LeaderConn is everything Strategy needs to talk to whichever replica is
// currently leader, over the wire protocol of spec.md §6. Concrete
// implementations live in internal/wireserver; kept as an interface here so
// recovery never imports net/http directly.
type LeaderConn interface {
	peersync.LeaderClient
	fullcopy.LeaderCommitter
}

// ConnFactory dials (or wraps) a LeaderConn for the given leader base URL.
// Called fresh on every attempt, since the leader can change between
// retries.
type ConnFactory func(leaderBaseURL string) LeaderConn

// Identity names the replica a Strategy drives to recovery.
type Identity struct {
	Collection string
	Shard      string
	ReplicaID  clusterstate.ReplicaID
	CoreName   string
	Type       clusterstate.ReplicaType
}

// Options configures retry/backoff and protocol tuning.
type Options struct {
	MaxRetries          int           // spec.md §4.7 default 500
	StartingDelay       time.Duration // D(N) base, default 100ms
	PeerSyncWindow      int           // NUpdates, default 100
	VerifyFingerprint   bool
	PrepRecoveryTimeout time.Duration
}

// DefaultOptions returns spec.md §4.7's defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:        500,
		StartingDelay:     100 * time.Millisecond,
		PeerSyncWindow:    100,
		VerifyFingerprint: true,
	}
}

// BackgroundReplication lets a PULL replica's normal background pull
// mechanism be paused around a REPLICATE_ONLY fetch and resumed after, so
// the two don't race over the same index (spec.md §4.7's PULL-replica
// path). Either field may be nil.
type BackgroundReplication struct {
	Stop  func()
	Start func()
}

// Strategy drives one replica through spec.md §4.7's state machine.
type Strategy struct {
	id   Identity
	opts Options

	reader    *clusterstate.Reader
	elector   *election.Elector
	prep      *election.PrepRecoveryClient
	publisher *statepublish.Publisher
	ulog      *updatelog.Log
	core      index.Core
	connect   ConnFactory
	bg        BackgroundReplication

	log *logrus.Entry

	closeOnce sync.Once
	closeCh   chan struct{}
}

// New builds a Strategy for one replica. bg may be the zero value for
// non-PULL replicas.
func New(
	id Identity,
	opts Options,
	reader *clusterstate.Reader,
	elector *election.Elector,
	prep *election.PrepRecoveryClient,
	publisher *statepublish.Publisher,
	ulog *updatelog.Log,
	core index.Core,
	connect ConnFactory,
	bg BackgroundReplication,
	log *logrus.Entry,
) *Strategy {
	return &Strategy{
		id:        id,
		opts:      opts,
		reader:    reader,
		elector:   elector,
		prep:      prep,
		publisher: publisher,
		ulog:      ulog,
		core:      core,
		connect:   connect,
		bg:        bg,
		log: log.WithFields(logrus.Fields{
			"component": "recovery", "collection": id.Collection,
			"shard": id.Shard, "replica": id.ReplicaID,
		}),
		closeCh: make(chan struct{}),
	}
}

// Close aborts any in-progress Run: the current or next sleep/wait returns
// ABORTED_CLOSING without publishing a state (spec.md §4.7: "the host is
// tearing down").
func (s *Strategy) Close() { s.closeOnce.Do(func() { close(s.closeCh) }) }

// Run executes the state machine to completion: RECOVERED,
// SKIPPED_IS_LEADER, FAILED_MAX_RETRIES, or ABORTED_CLOSING.
func (s *Strategy) Run(ctx context.Context) Outcome {
	for attempt := 1; ; attempt++ {
		select {
		case <-s.closeCh:
			return AbortedClosing
		case <-ctx.Done():
			return AbortedClosing
		default:
		}

		if s.elector.IsLeader() {
			s.publisher.PublishLeader(s.id.Collection, s.id.ReplicaID)
			s.log.Info("already leader, skipping recovery")
			return SkippedIsLeader
		}

		leader, err := s.currentLeader()
		if err != nil {
			s.log.WithError(err).Warn("no leader known yet")
			if waited := s.wait(ctx, attempt); !waited {
				return AbortedClosing
			}
			if attempt >= s.opts.MaxRetries {
				s.publisher.Publish(s.id.Collection, s.id.ReplicaID, clusterstate.RecoveryFailed)
				return FailedMaxRetries
			}
			continue
		}

		outcome, done := s.attempt(ctx, attempt, leader)
		if done {
			return outcome
		}

		if attempt >= s.opts.MaxRetries {
			s.publisher.Publish(s.id.Collection, s.id.ReplicaID, clusterstate.RecoveryFailed)
			s.log.Warn("recovery failed: exceeded max retries")
			return FailedMaxRetries
		}
		if !s.wait(ctx, attempt) {
			return AbortedClosing
		}
	}
}

// attempt runs one CHECK_LEADER..PUBLISH_ACTIVE pass. done=true means Run
// should return outcome immediately (success, or a terminal abort); done=
// false means the caller should back off and retry.
func (s *Strategy) attempt(ctx context.Context, n int, leader *clusterstate.Replica) (Outcome, bool) {
	log := s.log.WithField("attempt", n)

	// Read before BufferUpdates: once the log is BUFFERING, ExistOldBufferLog
	// no longer reports a leftover buffer.
	oldBuffer := s.ulog.ExistOldBufferLog()

	s.publisher.Publish(s.id.Collection, s.id.ReplicaID, clusterstate.Buffering)
	if err := s.ulog.BufferUpdates(); err != nil {
		log.WithError(err).Warn("BUFFER failed")
		return 0, false
	}

	conn := s.connect(leader.BaseURL)
	ok, err := s.prep.PrepRecovery(ctx, leader.BaseURL, s.id.CoreName, leader.Name)
	if err != nil || !ok {
		log.WithError(err).Warn("PREP failed")
		return 0, false
	}

	// Re-check leader discipline: abort to SKIPPED if election flipped
	// under us while we were prepping.
	if s.elector.IsLeader() {
		s.publisher.PublishLeader(s.id.Collection, s.id.ReplicaID)
		return SkippedIsLeader, true
	}
	freshLeader, err := s.currentLeader()
	if err != nil || freshLeader.ID != leader.ID {
		log.Info("leader changed mid-attempt, restarting")
		return 0, false
	}

	recovered, strategy := s.catchUp(ctx, conn, leader, oldBuffer, log)
	if !recovered {
		return 0, false
	}

	// REPLAY drains whatever accumulated in the side-buffer while we were
	// BUFFERING back into the main log. PeerSync already applied its own
	// catch-up set directly to the index (see peersync.Sync's applyToIndex
	// parameter); its AppendUpdate calls still land in this same buffer, so
	// ApplyBufferedUpdates re-applies those same entries here too, on top of
	// whatever genuinely-live writes arrived via the normal update path
	// during BUFFERING. That second apply is harmless only because Apply is
	// version-idempotent, not because REPLAY skips them. Only PULL replicas
	// skip this (spec.md §4.7: "no PeerSync, no replay"); both PEER_SYNC and
	// FULL_COPY fall through REPLAY, since the update log's state machine
	// only returns BUFFERING → APPLYING via REPLAYING.
	if s.id.Type.RequiresTlog() {
		info, err := s.replay(log)
		if err != nil || info.Failed {
			log.WithError(err).Warn("REPLAY failed")
			return 0, false
		}
	}

	if err := s.core.Commit(ctx, true); err != nil {
		log.WithError(err).Warn("post-recovery commit failed")
		return 0, false
	}

	if s.opts.VerifyFingerprint && s.id.Type.RequiresTlog() {
		if !s.verify(ctx, conn, log) {
			return 0, false
		}
	}

	s.publisher.Publish(s.id.Collection, s.id.ReplicaID, clusterstate.Active)
	log.Info("recovery succeeded")
	return Recovered, true
}

// catchUp runs PEER_SYNC, REPLICATE_ONLY, or FULL_COPY depending on replica
// type and update-log health (spec.md §4.7 decision logic).
func (s *Strategy) catchUp(ctx context.Context, conn LeaderConn, leader *clusterstate.Replica, oldBuffer bool, log *logrus.Entry) (bool, SelectedStrategy) {
	if s.id.Type == clusterstate.ReplicaPull {
		if s.bg.Stop != nil {
			s.bg.Stop()
		}
		defer func() {
			if s.bg.Start != nil {
				s.bg.Start()
			}
		}()
		res := fullcopy.Fetch(ctx, s.core, conn, leader.BaseURL, s.fullcopyOptions(), s.log.Logger.WithField("component", "fullcopy"))
		return res.Successful, ReplicateOnlyStrategy
	}

	if len(s.ulog.StartingVersions()) == 0 || oldBuffer {
		log.Info("no usable starting versions, going straight to FULL_COPY")
		res := fullcopy.Fetch(ctx, s.core, conn, leader.BaseURL, s.fullcopyOptions(), s.log.Logger.WithField("component", "fullcopy"))
		return res.Successful, FullCopyStrategy
	}

	psOpts := peersync.Options{NUpdates: s.opts.PeerSyncWindow, DoFingerprint: s.opts.VerifyFingerprint}
	result := peersync.Sync(ctx, s.ulog, conn, psOpts, s.computeFingerprint, s.core.Apply, s.log)
	if result.Success() {
		return true, PeerSyncStrategy
	}
	log.WithField("reason", result.Reason()).Info("PEER_SYNC failed, falling back to FULL_COPY")

	res := fullcopy.Fetch(ctx, s.core, conn, leader.BaseURL, s.fullcopyOptions(), s.log.Logger.WithField("component", "fullcopy"))
	return res.Successful, FullCopyStrategy
}

// fullcopyOptions builds fullcopy.Options for this replica's type.
// SkipCommitOnZeroMasterVersion is spec.md §9 open question 2: only ever
// set for TLOG replicas.
func (s *Strategy) fullcopyOptions() fullcopy.Options {
	return fullcopy.Options{SkipCommitOnZeroMasterVersion: s.id.Type == clusterstate.ReplicaTLOG}
}

func (s *Strategy) replay(log *logrus.Entry) (updatelog.RecoveryInfo, error) {
	ch, err := s.ulog.ApplyBufferedUpdates(s.core.Apply)
	if err != nil {
		return updatelog.RecoveryInfo{}, errors.Wrap(err, "start replay")
	}
	info := <-ch
	log.WithField("replayed", info.Count).Info("REPLAY complete")
	return info, nil
}

func (s *Strategy) verify(ctx context.Context, conn LeaderConn, log *logrus.Entry) bool {
	_, leaderFP, err := conn.RecentVersionsAndFingerprint(ctx, s.opts.PeerSyncWindow)
	if err != nil {
		log.WithError(err).Warn("VERIFY: could not fetch leader fingerprint")
		return false
	}
	ownFP, err := s.computeFingerprint(fingerprint.AtHead)
	if err != nil {
		log.WithError(err).Warn("VERIFY: could not compute own fingerprint")
		return false
	}
	if fingerprint.Compare(ownFP, leaderFP) != 0 {
		log.Warn("VERIFY: fingerprint mismatch after recovery")
		return false
	}
	return true
}

func (s *Strategy) computeFingerprint(maxVersion int64) (fingerprint.Fingerprint, error) {
	return fingerprint.Compute(s.core, maxVersion)
}

func (s *Strategy) currentLeader() (*clusterstate.Replica, error) {
	c := s.reader.GetCollection(s.id.Collection)
	if c == nil {
		return nil, errors.New("no cluster state projection for collection yet")
	}
	sh, ok := c.Shards[s.id.Shard]
	if !ok {
		return nil, errors.Errorf("shard %q not found in collection %q", s.id.Shard, s.id.Collection)
	}
	r, ok := sh.LeaderReplica()
	if !ok {
		return nil, errors.Errorf("shard %q has no leader", s.id.Shard)
	}
	return r, nil
}

// wait sleeps for D(attempt) (spec.md §4.7's backoff schedule), returning
// false if the strategy was closed or its context canceled mid-sleep.
func (s *Strategy) wait(ctx context.Context, attempt int) bool {
	select {
	case <-time.After(backoffDelay(attempt, s.opts.StartingDelay)):
		return true
	case <-s.closeCh:
		return false
	case <-ctx.Done():
		return false
	}
}
