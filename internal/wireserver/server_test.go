package wireserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"replicacore/internal/election"
	"replicacore/internal/index"
	"replicacore/internal/updatelog"
)

func newTestServer(t *testing.T, core index.Core, ulog *updatelog.Log, elector *election.Elector) *httptest.Server {
	t.Helper()
	srv := New(core, ulog, elector, nil, "core-a", "c", logrus.NewEntry(logrus.New()))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func testLog(t *testing.T) *updatelog.Log {
	t.Helper()
	dir := t.TempDir()
	l, err := updatelog.Open(dir, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func getJSON(t *testing.T, method, url string, out interface{}) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp
}

func TestHandleGet_GetVersions(t *testing.T) {
	core := index.NewInMemory()
	core.Seed("doc-1", 1)
	ulog := testLog(t)
	require.NoError(t, ulog.AppendUpdate(updatelog.Update{Op: updatelog.OpAdd, Version: 1}))

	ts := newTestServer(t, core, ulog, nil)

	var out versionsResponse
	getJSON(t, http.MethodGet, ts.URL+"/get?getVersions=10", &out)
	require.Equal(t, []int64{1}, out.Versions)
	require.EqualValues(t, 1, out.Fingerprint.NumDocs)
}

func TestHandleGet_GetFingerprint(t *testing.T) {
	core := index.NewInMemory()
	core.Seed("doc-1", 1)
	core.Seed("doc-2", 2)
	ulog := testLog(t)

	ts := newTestServer(t, core, ulog, nil)

	var out fingerprintResponse
	getJSON(t, http.MethodGet, ts.URL+"/get?getFingerprint=1", &out)
	require.EqualValues(t, 1, out.Fingerprint.NumDocs)
	require.EqualValues(t, 1, out.Fingerprint.MaxVersionSpecified)
}

func TestHandleGet_GetUpdates(t *testing.T) {
	core := index.NewInMemory()
	ulog := testLog(t)
	require.NoError(t, ulog.AppendUpdate(updatelog.Update{Op: updatelog.OpAdd, Version: 1, Payload: []byte("doc-1")}))
	require.NoError(t, ulog.AppendUpdate(updatelog.Update{Op: updatelog.OpAdd, Version: 2, Payload: []byte("doc-2")}))

	ts := newTestServer(t, core, ulog, nil)

	var out updatesResponse
	getJSON(t, http.MethodPost, ts.URL+"/get?getUpdates="+encodeVersionSpec(updatelog.VersionSpec{Versions: []int64{2}}), &out)
	require.Len(t, out.Updates, 1)
	require.Equal(t, int64(2), out.Updates[0].Version)
}

func TestHandleGet_OnlyIfLeaderRejectsWhenNotLeader(t *testing.T) {
	core := index.NewInMemory()
	ulog := testLog(t)
	elector := election.New(nil, "c", "s1", logrus.NewEntry(logrus.New()))

	ts := newTestServer(t, core, ulog, elector)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/get?getVersions=10&onlyIfLeader=true", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandleGet_NoRecognizedParamReturnsBadRequest(t *testing.T) {
	ts := newTestServer(t, index.NewInMemory(), testLog(t), nil)

	resp, err := http.Get(ts.URL + "/get")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleAdminCores_PrepRecoverySucceedsWithNilGates(t *testing.T) {
	ts := newTestServer(t, index.NewInMemory(), testLog(t), nil)

	resp, err := http.Post(ts.URL+"/admin/cores?action=PREPRECOVERY&coreName=follower&checkIsLeader=true", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out successResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Success)
}

func TestHandleAdminCores_UnsupportedActionRejected(t *testing.T) {
	ts := newTestServer(t, index.NewInMemory(), testLog(t), nil)

	resp, err := http.Post(ts.URL+"/admin/cores?action=BOGUS", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleUpdate_CommitsCore(t *testing.T) {
	ts := newTestServer(t, index.NewInMemory(), testLog(t), nil)

	resp, err := http.Post(ts.URL+"/update?commit=true&openSearcher=false", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

type commitTrackingCore struct {
	*index.InMemory
	committed bool
}

func (c *commitTrackingCore) Commit(ctx context.Context, openSearcher bool) error {
	c.committed = true
	return c.InMemory.Commit(ctx, openSearcher)
}

func TestHandleUpdate_SkipsCommitWhenMasterVersionZero(t *testing.T) {
	core := &commitTrackingCore{InMemory: index.NewInMemory()}
	ts := newTestServer(t, core, testLog(t), nil)

	resp, err := http.Post(ts.URL+"/update?commit=true&openSearcher=false&skipCommitOnMasterVersionZero=true", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, core.committed)
}

func TestHandleUpdate_SkipCommitIgnoredWhenIndexNonEmpty(t *testing.T) {
	core := &commitTrackingCore{InMemory: index.NewInMemory()}
	core.Seed("doc-1", 1)
	ts := newTestServer(t, core, testLog(t), nil)

	resp, err := http.Post(ts.URL+"/update?commit=true&openSearcher=false&skipCommitOnMasterVersionZero=true", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, core.committed)
}

func TestHandleReplication_FetchIndexSwapsCore(t *testing.T) {
	core := index.NewInMemory()
	core.Seed("stale-doc", 1)
	ts := newTestServer(t, core, testLog(t), nil)

	resp, err := http.Post(ts.URL+"/replication?command=fetchindex&masterUrl=http://leader", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 0, core.MaxDoc())
}

func TestHandleReplication_MissingMasterURLRejected(t *testing.T) {
	ts := newTestServer(t, index.NewInMemory(), testLog(t), nil)

	resp, err := http.Post(ts.URL+"/replication?command=fetchindex", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
