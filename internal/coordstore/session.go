package coordstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// SessionState mirrors spec.md §4.1: CONNECTING -> CONNECTED -> EXPIRED.
type SessionState int

const (
	Connecting SessionState = iota
	Connected
	Expired
)

func (s SessionState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Expired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

const sessionTTLSeconds = 10

// Session tracks the coordination store's session lifecycle. On EXPIRED,
// every ephemeral node bound to its lease vanishes server-side and every
// watch registered against its context is invalidated, per spec.md §4.1.
type Session struct {
	mu    sync.Mutex
	state SessionState

	lease  clientv3.LeaseID
	cancel context.CancelFunc
	ctxV   context.Context

	log        *logrus.Entry
	transition chan SessionState
}

func newSession(cli *clientv3.Client, log *logrus.Entry) (*Session, error) {
	grant, err := cli.Grant(context.Background(), sessionTTLSeconds)
	if err != nil {
		return nil, errors.Wrap(translate(err), "grant session lease")
	}

	keepAlive, err := cli.KeepAlive(context.Background(), grant.ID)
	if err != nil {
		return nil, errors.Wrap(translate(err), "start session keepalive")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		state:      Connected,
		lease:      grant.ID,
		cancel:     cancel,
		ctxV:       ctx,
		log:        log.WithField("component", "coordstore.session"),
		transition: make(chan SessionState, 4),
	}

	go s.watchKeepAlive(keepAlive)
	return s, nil
}

func (s *Session) watchKeepAlive(ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for range ch {
		// draining keepalive acks; state stays CONNECTED
	}
	// Channel closed: the server stopped renewing (TTL lapsed, lease
	// revoked, or the client gave up retrying). This is a session expiry.
	s.setState(Expired)
	s.cancel()
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.log.WithField("state", state).Warn("session state transition")
	select {
	case s.transition <- state:
	default:
	}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transitions returns a channel that receives every state change. Buffered;
// a slow consumer may miss an intermediate state but will always eventually
// see the terminal EXPIRED.
func (s *Session) Transitions() <-chan SessionState { return s.transition }

func (s *Session) leaseID() clientv3.LeaseID { return s.lease }

// ctx is canceled the moment the session expires; used to tie watches to
// session lifetime.
func (s *Session) ctx() context.Context { return s.ctxV }

func (s *Session) close() {
	s.cancel()
}

func leaseIDSuffix(id clientv3.LeaseID) string {
	return fmt.Sprintf("%020d", uint64(id))
}
