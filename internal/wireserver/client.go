package wireserver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"replicacore/internal/fingerprint"
	"replicacore/internal/runtime"
	"replicacore/internal/updatelog"
)

// Client issues the follower-side wire-protocol calls of spec.md §6 against
// one leader base URL. It implements both peersync.LeaderClient and
// fullcopy.LeaderCommitter so recovery.Strategy can drive it through either
// path without caring which. Each call is one request bounded by the
// client's timeout; a timed-out or failed request is returned as an error,
// not retried. Request shape grounded on the teacher's
// internal/cluster/replicator.go doHTTPReplicate.
type Client struct {
	rt      *runtime.Runtime
	baseURL string
	timeout time.Duration
}

// NewClient builds a Client targeting baseURL with a per-request timeout.
func NewClient(rt *runtime.Runtime, baseURL string, timeout time.Duration) *Client {
	return &Client{rt: rt, baseURL: baseURL, timeout: timeout}
}

// SupportsRangeQueries reports that this server understands the
// "lo..hi,lo..hi" range encoding for getUpdates, letting PeerSync compact
// large missing-version sets (spec.md §4.5 step 9).
func (c *Client) SupportsRangeQueries() bool { return true }

func (c *Client) do(ctx context.Context, method, path string, query url.Values) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, query.Encode())
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.rt.WithTimeout(c.timeout).Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, errors.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	return resp, nil
}

// RecentVersionsAndFingerprint issues GET /get?getVersions=n&fingerprint=true&onlyIfLeader=true.
func (c *Client) RecentVersionsAndFingerprint(ctx context.Context, n int) ([]int64, fingerprint.Fingerprint, error) {
	q := url.Values{}
	q.Set("getVersions", fmt.Sprintf("%d", n))
	q.Set("fingerprint", "true")
	q.Set("onlyIfLeader", "true")

	resp, err := c.do(ctx, http.MethodGet, "/get", q)
	if err != nil {
		return nil, fingerprint.Fingerprint{}, err
	}
	defer resp.Body.Close()

	var out versionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fingerprint.Fingerprint{}, errors.Wrap(err, "decode getVersions response")
	}
	return out.Versions, fromWireFingerprint(out.Fingerprint), nil
}

// GetUpdates issues POST /get?getUpdates=<spec>&skipDbq=true&onlyIfLeader=true.
func (c *Client) GetUpdates(ctx context.Context, spec updatelog.VersionSpec) ([]updatelog.Update, error) {
	q := url.Values{}
	q.Set("getUpdates", encodeVersionSpec(spec))
	q.Set("skipDbq", "true")
	q.Set("onlyIfLeader", "true")

	resp, err := c.do(ctx, http.MethodPost, "/get", q)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out updatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode getUpdates response")
	}
	return fromWireUpdates(out.Updates), nil
}

// GetFingerprint issues GET /get?getFingerprint=<maxVersion>&onlyIfLeader=true.
func (c *Client) GetFingerprint(ctx context.Context, maxVersion int64) (fingerprint.Fingerprint, error) {
	q := url.Values{}
	q.Set("getFingerprint", fmt.Sprintf("%d", maxVersion))
	q.Set("onlyIfLeader", "true")

	resp, err := c.do(ctx, http.MethodGet, "/get", q)
	if err != nil {
		return fingerprint.Fingerprint{}, err
	}
	defer resp.Body.Close()

	var out fingerprintResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fingerprint.Fingerprint{}, errors.Wrap(err, "decode getFingerprint response")
	}
	return fromWireFingerprint(out.Fingerprint), nil
}

// CommitOnLeader issues POST /update?commit=true&openSearcher=false&commit_end_point=terminal.
// skipIfZeroMasterVersion is passed through as skipCommitOnMasterVersionZero
// so the leader can skip the commit when its own index is still empty.
func (c *Client) CommitOnLeader(ctx context.Context, skipIfZeroMasterVersion bool) error {
	q := url.Values{}
	q.Set("commit", "true")
	q.Set("openSearcher", "false")
	q.Set("commit_end_point", "terminal")
	q.Set("skipCommitOnMasterVersionZero", fmt.Sprintf("%t", skipIfZeroMasterVersion))

	resp, err := c.do(ctx, http.MethodPost, "/update", q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// TriggerFetchIndex issues POST /replication?command=fetchindex&masterUrl=...
// against the follower itself (spec.md §6) — an HTTP entry point to the same
// full fetch that fullcopy.Fetch drives through a direct Core call. Nothing
// in this module calls it: recovery's REPLICATE_ONLY path uses
// fullcopy.Fetch. The receiving handleReplication does not read
// skipCommitOnMasterVersionZero.
func (c *Client) TriggerFetchIndex(ctx context.Context, masterURL string, skipCommitOnZero bool) error {
	q := url.Values{}
	q.Set("command", "fetchindex")
	q.Set("masterUrl", masterURL)
	q.Set("skipCommitOnMasterVersionZero", fmt.Sprintf("%t", skipCommitOnZero))

	resp, err := c.do(ctx, http.MethodPost, "/replication", q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// PrepRecoveryTimeoutDefault mirrors election.DefaultPrepRecoveryTimeout for
// callers constructing a Client standalone (e.g. admin tooling).
const PrepRecoveryTimeoutDefault = 8 * time.Second
