// Package runtime carries the process-wide collaborators recovery needs —
// an HTTP client pool, a logger, and identity — as an explicit value instead
// of module-level singletons. Every constructor in this repo takes a
// *Runtime rather than reaching for a global.
package runtime

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Runtime bundles the collaborators shared by every component on a node.
type Runtime struct {
	// NodeName identifies this process in logs and in the coordination store.
	NodeName string

	// HTTPClient is the shared connection-pooled client used for all
	// follower→leader calls. Callers that need a distinct timeout should
	// clone it with WithTimeout rather than building a fresh client, so the
	// underlying transport (and its connection pool) stays shared.
	HTTPClient *http.Client

	// Log is the root logger; components derive a child with
	// Log.WithField("component", ...).
	Log *logrus.Entry
}

// New builds a Runtime with a shared transport suitable for many concurrent
// recovery attempts on one node.
func New(nodeName string) *Runtime {
	transport := &http.Transport{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     90 * time.Second,
	}
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return &Runtime{
		NodeName:   nodeName,
		HTTPClient: &http.Client{Transport: transport},
		Log:        logger.WithField("node", nodeName),
	}
}

// WithTimeout returns an *http.Client sharing rt's transport (and therefore
// its connection pool) but with its own request timeout. Used so a
// PeerSync call and a prep-recovery call in flight on the same attempt don't
// fight over one deadline.
func (rt *Runtime) WithTimeout(d time.Duration) *http.Client {
	return &http.Client{
		Transport: rt.HTTPClient.Transport,
		Timeout:   d,
	}
}
