// Package coordstore wraps a ZooKeeper-like coordination service behind the
// contract recovery needs: versioned get/set, ephemeral create, watch, and
// session lifecycle (spec.md §4.1). The concrete backing store is etcd
// (go.etcd.io/etcd/client/v3) — the nearest real analogue to "get(path) ->
// (bytes, version), watch, create/ephemeral, versioned setData, session
// events" that the spec assumes as an external collaborator.
package coordstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Store is a typed handle onto one etcd session. All paths are treated as
// etcd keys; "version" in this package's API always means the etcd
// mod-revision of the key, which is monotone per-key and exactly what the
// spec's versioned setData/CAS semantics need.
type Store struct {
	cli *clientv3.Client
	log *logrus.Entry

	session *Session
}

// Open dials the coordination service and starts a session. endpoints are
// the etcd cluster members; dialTimeout bounds the initial connect.
func Open(endpoints []string, dialTimeout time.Duration, log *logrus.Entry) (*Store, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:            endpoints,
		DialTimeout:          dialTimeout,
		DialKeepAliveTime:    10 * time.Second,
		DialKeepAliveTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(translate(err), "dial coordination store")
	}

	s := &Store{cli: cli, log: log}
	sess, err := newSession(cli, log)
	if err != nil {
		cli.Close()
		return nil, err
	}
	s.session = sess
	return s, nil
}

// Close tears down the session and underlying connection.
func (s *Store) Close() error {
	s.session.close()
	return s.cli.Close()
}

// Session returns the store's session lifecycle tracker.
func (s *Store) Session() *Session { return s.session }

// Get fetches the value and version at path. Returns ErrNoNode if absent.
func (s *Store) Get(ctx context.Context, path string) ([]byte, int64, error) {
	resp, err := s.cli.Get(ctx, path)
	if err != nil {
		return nil, 0, errors.Wrap(translate(err), "get "+path)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, errors.Wrapf(ErrNoNode, "get %s", path)
	}
	kv := resp.Kvs[0]
	return kv.Value, kv.ModRevision, nil
}

// Exists reports whether path is present and, if so, its version.
func (s *Store) Exists(ctx context.Context, path string) (int64, bool, error) {
	_, version, err := s.Get(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNoNode) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return version, true, nil
}

// SetData writes bytes to path, failing with ErrVersionMismatch if the
// key's current version does not equal expectedVersion. expectedVersion of
// 0 means "path must not already exist" (an etcd create-if-absent CAS).
func (s *Store) SetData(ctx context.Context, path string, data []byte, expectedVersion int64) (int64, error) {
	var cmp clientv3.Cmp
	if expectedVersion == 0 {
		cmp = clientv3.Compare(clientv3.CreateRevision(path), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.ModRevision(path), "=", expectedVersion)
	}

	txn := s.cli.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(path, string(data))).
		Else(clientv3.OpGet(path))

	resp, err := txn.Commit()
	if err != nil {
		return 0, errors.Wrap(translate(err), "setData "+path)
	}
	if !resp.Succeeded {
		return 0, errors.Wrapf(ErrVersionMismatch, "setData %s expected=%d", path, expectedVersion)
	}

	get, err := s.cli.Get(ctx, path)
	if err != nil || len(get.Kvs) == 0 {
		return 0, errors.Wrap(translate(err), "setData readback "+path)
	}
	return get.Kvs[0].ModRevision, nil
}

// CreateEphemeral creates path bound to the session's lease: it vanishes
// when the session expires or is closed. Fails if path already exists.
func (s *Store) CreateEphemeral(ctx context.Context, path string, data []byte) error {
	leaseID := s.session.leaseID()
	txn := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
		Then(clientv3.OpPut(path, string(data), clientv3.WithLease(leaseID)))

	resp, err := txn.Commit()
	if err != nil {
		return errors.Wrap(translate(err), "createEphemeral "+path)
	}
	if !resp.Succeeded {
		return errors.Wrapf(ErrVersionMismatch, "createEphemeral %s already exists", path)
	}
	return nil
}

// CreateEphemeralSequential creates an ephemeral node under prefix with a
// monotone, etcd-assigned sequence suffix, as required by leader election
// (spec.md §4.8 "ordered ephemeral sequence"). Returns the full path.
func (s *Store) CreateEphemeralSequential(ctx context.Context, prefix string, data []byte) (string, error) {
	leaseID := s.session.leaseID()
	// Use the lease ID itself (monotone, globally unique for the session's
	// lifetime) as the sequence suffix: it sorts the same way a ZK sequence
	// number would and requires no extra counter key.
	path := prefix + "/" + leaseIDSuffix(leaseID)

	_, err := s.cli.Put(ctx, path, string(data), clientv3.WithLease(leaseID))
	if err != nil {
		return "", errors.Wrap(translate(err), "createEphemeralSequential "+prefix)
	}
	return path, nil
}

// Children lists the immediate key names under prefix (prefix treated as a
// directory separated by "/").
func (s *Store) Children(ctx context.Context, prefix string) ([]string, error) {
	resp, err := s.cli.Get(ctx, prefix+"/", clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, errors.Wrap(translate(err), "children "+prefix)
	}
	names := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		names = append(names, string(kv.Key))
	}
	return names, nil
}

// WatchCallback fires once per observed change; the caller must re-register
// by calling Watch again if it wants further notifications (spec.md §4.1,
// §9 "fire-once callbacks").
type WatchCallback func(path string, data []byte, version int64, deleted bool)

// Watch registers cb to fire on the next change to path. It returns
// immediately; cb runs on an internal goroutine tied to the session's
// lifetime and is automatically unregistered after firing once.
func (s *Store) Watch(ctx context.Context, path string, cb WatchCallback) {
	watchCtx, cancel := context.WithCancel(s.session.ctx())
	ch := s.cli.Watch(watchCtx, path)

	go func() {
		defer cancel()
		select {
		case resp, ok := <-ch:
			if !ok {
				return
			}
			if resp.Canceled {
				return
			}
			for _, ev := range resp.Events {
				deleted := ev.Type == clientv3.EventTypeDelete
				var data []byte
				var version int64
				if ev.Kv != nil {
					data = ev.Kv.Value
					version = ev.Kv.ModRevision
				}
				cb(path, data, version, deleted)
				return // fire-once: one event per registration
			}
		case <-ctx.Done():
		}
	}()
}

// WatchChildren registers cb to fire on the next create/delete/modify of any
// key under prefix (prefix treated as a directory, mirroring Children).
// Unlike Watch, which observes one exact key, this is what a directory of
// ephemerals (election candidates, /live_nodes/*) needs: membership changes
// by children appearing and disappearing, not by the prefix key itself
// changing. Fire-once, same as Watch; the caller re-registers.
func (s *Store) WatchChildren(ctx context.Context, prefix string, cb WatchCallback) {
	watchCtx, cancel := context.WithCancel(s.session.ctx())
	ch := s.cli.Watch(watchCtx, prefix+"/", clientv3.WithPrefix())

	go func() {
		defer cancel()
		select {
		case resp, ok := <-ch:
			if !ok {
				return
			}
			if resp.Canceled {
				return
			}
			for _, ev := range resp.Events {
				deleted := ev.Type == clientv3.EventTypeDelete
				var data []byte
				var version int64
				var path string
				if ev.Kv != nil {
					data = ev.Kv.Value
					version = ev.Kv.ModRevision
					path = string(ev.Kv.Key)
				}
				cb(path, data, version, deleted)
				return // fire-once: one event per registration
			}
		case <-ctx.Done():
		}
	}()
}
