package election

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"replicacore/internal/runtime"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultPrepRecoveryTimeout is spec.md §4.8's 8s default.
const DefaultPrepRecoveryTimeout = 8 * time.Second

// PrepRecoveryClient sends the follower->leader prep-recovery RPC of
// spec.md §6: POST /admin/cores?action=PREPRECOVERY&coreName=<follower>
// &leaderName=<leader>&state=BUFFERING&checkIsLeader=true. The leader
// blocks server-side until it observes the follower in BUFFERING in the
// cluster projection (and confirms it is still leader) before replying.
type PrepRecoveryClient struct {
	rt      *runtime.Runtime
	timeout time.Duration
}

// NewPrepRecoveryClient creates a client with the default 8s timeout.
func NewPrepRecoveryClient(rt *runtime.Runtime) *PrepRecoveryClient {
	return &PrepRecoveryClient{rt: rt, timeout: DefaultPrepRecoveryTimeout}
}

type prepRecoveryResponse struct {
	Success bool `json:"success"`
}

// PrepRecovery issues the RPC against leaderBaseURL. Without a successful
// response, recovery must not proceed to fetching from that leader
// (spec.md §4.8).
func (c *PrepRecoveryClient) PrepRecovery(ctx context.Context, leaderBaseURL, followerCoreName, leaderCoreName string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("action", "PREPRECOVERY")
	q.Set("coreName", followerCoreName)
	q.Set("leaderName", leaderCoreName)
	q.Set("state", "BUFFERING")
	q.Set("checkIsLeader", "true")

	reqURL := fmt.Sprintf("%s/admin/cores?%s", leaderBaseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.rt.WithTimeout(c.timeout).Do(req)
	if err != nil {
		return false, errors.Wrap(err, "prep-recovery request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return false, errors.Errorf("prep-recovery: leader returned HTTP %d", resp.StatusCode)
	}

	var out prepRecoveryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, errors.Wrap(err, "decode prep-recovery response")
	}
	return out.Success, nil
}
