package wireserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"replicacore/internal/clusterstate"
	"replicacore/internal/election"
	"replicacore/internal/fingerprint"
	"replicacore/internal/index"
	"replicacore/internal/updatelog"
)

// Server answers the leader-side (and fetchindex-receiving-follower-side)
// endpoints of spec.md §6 against a local core + update log.
type Server struct {
	engine *gin.Engine

	core       index.Core
	ulog       *updatelog.Log
	elector    *election.Elector // nil if this node never contends leadership (unused on pure PULL nodes)
	reader     *clusterstate.Reader
	coreName   string
	collection string
	log        *logrus.Entry

	// PrepRecoveryTimeout bounds how long PREPRECOVERY waits for the
	// follower's BUFFERING state to show up in the cluster projection.
	PrepRecoveryTimeout time.Duration
}

// New builds a Server. elector may be nil on replica types that never run
// for leadership (plain PULL-only deployments).
func New(core index.Core, ulog *updatelog.Log, elector *election.Elector, reader *clusterstate.Reader, coreName, collection string, log *logrus.Entry) *Server {
	s := &Server{
		core: core, ulog: ulog, elector: elector, reader: reader,
		coreName: coreName, collection: collection,
		log:                 log.WithField("component", "wireserver"),
		PrepRecoveryTimeout: 8 * time.Second,
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler to mount (e.g. behind http.Server).
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method": c.Request.Method, "path": c.Request.URL.Path,
			"status": c.Writer.Status(), "took": time.Since(start),
		}).Debug("handled request")
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/get", s.handleGet)
	s.engine.POST("/get", s.handleGet)
	s.engine.POST("/admin/cores", s.handleAdminCores)
	s.engine.POST("/update", s.handleUpdate)
	s.engine.POST("/replication", s.handleReplication)
}

// onlyIfLeader enforces spec.md §6's "all recovery calls set ... onlyIfLeader
// =true" contract: if the caller asked for it and we aren't leader, reply
// 409 so the follower re-resolves leadership (spec.md §7 "Leader-gone").
func (s *Server) onlyIfLeader(c *gin.Context) bool {
	if c.Query("onlyIfLeader") != "true" {
		return true
	}
	if s.elector == nil || s.elector.IsLeader() {
		return true
	}
	c.JSON(http.StatusConflict, errorResponse{Error: "not leader"})
	return false
}

func (s *Server) handleGet(c *gin.Context) {
	if !s.onlyIfLeader(c) {
		return
	}

	switch {
	case c.Query("getVersions") != "":
		n, err := strconv.Atoi(c.Query("getVersions"))
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "bad getVersions"})
			return
		}
		versions := s.ulog.RecentVersions(n)
		fp, err := fingerprint.Compute(s.core, fingerprint.AtHead)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, versionsResponse{Versions: versions, Fingerprint: toWireFingerprint(fp)})

	case c.Query("getFingerprint") != "":
		maxVersion, err := strconv.ParseInt(c.Query("getFingerprint"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "bad getFingerprint"})
			return
		}
		fp, err := fingerprint.Compute(s.core, maxVersion)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, fingerprintResponse{Fingerprint: toWireFingerprint(fp)})

	case c.Query("getUpdates") != "":
		spec := decodeVersionSpec(c.Query("getUpdates"))
		updates := s.ulog.GetUpdates(spec)
		c.JSON(http.StatusOK, updatesResponse{Updates: toWireUpdates(updates)})

	default:
		c.JSON(http.StatusBadRequest, errorResponse{Error: "no recognized /get parameter"})
	}
}

// handleAdminCores implements PREPRECOVERY (spec.md §4.8, §6): the leader
// blocks (briefly) until the named follower shows BUFFERING or later in the
// cluster projection, then acknowledges.
func (s *Server) handleAdminCores(c *gin.Context) {
	if c.Query("action") != "PREPRECOVERY" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "unsupported action"})
		return
	}

	if c.Query("checkIsLeader") == "true" && s.elector != nil && !s.elector.IsLeader() {
		c.JSON(http.StatusOK, successResponse{Success: false})
		return
	}

	followerCoreName := c.Query("coreName")
	if s.reader != nil && followerCoreName != "" {
		ok := s.reader.WaitForState(c.Request.Context(), s.collection, s.PrepRecoveryTimeout, func(_ map[string]bool, coll *clusterstate.Collection) bool {
			if coll == nil {
				return false
			}
			for _, sh := range coll.Shards {
				for _, r := range sh.Replicas {
					if r.Name == followerCoreName {
						return r.State == clusterstate.Buffering || r.State == clusterstate.Recovering || r.State == clusterstate.Active
					}
				}
			}
			return false
		})
		if !ok {
			c.JSON(http.StatusOK, successResponse{Success: false})
			return
		}
	}

	c.JSON(http.StatusOK, successResponse{Success: true})
}

// handleUpdate implements the follower's "commit on leader" pre-fetch call
// (spec.md §6): POST /update?commit=true&openSearcher=false&commit_end_point=terminal.
// skipCommitOnMasterVersionZero=true skips the commit outright when this
// core's index is still empty (spec.md §9 open question 2): nothing to
// stabilize, so the round trip is pure overhead.
func (s *Server) handleUpdate(c *gin.Context) {
	if c.Query("commit") != "true" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "only commit=true is supported"})
		return
	}
	if c.Query("skipCommitOnMasterVersionZero") == "true" && s.core.MaxDoc() == 0 {
		c.JSON(http.StatusOK, successResponse{Success: true})
		return
	}
	openSearcher := c.Query("openSearcher") == "true"
	if err := s.core.Commit(c.Request.Context(), openSearcher); err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, successResponse{Success: true})
}

// handleReplication implements fetchindex (spec.md §6): received by a
// follower, instructing it to pull a full snapshot from masterUrl.
func (s *Server) handleReplication(c *gin.Context) {
	if c.Query("command") != "fetchindex" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "unsupported command"})
		return
	}
	masterURL := c.Query("masterUrl")
	if masterURL == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "masterUrl required"})
		return
	}

	if err := s.core.FetchFromLeader(c.Request.Context(), masterURL); err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if err := s.core.Commit(c.Request.Context(), true); err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, successResponse{Success: true})
}

func toWireFingerprint(fp fingerprint.Fingerprint) fingerprintWire {
	return fingerprintWire{
		MaxVersionSpecified:   fp.MaxVersionSpecified,
		MaxVersionEncountered: fp.MaxVersionEncountered,
		MaxDoc:                fp.MaxDoc,
		NumDocs:               fp.NumDocs,
		Hash:                  fp.Hash,
	}
}

func fromWireFingerprint(w fingerprintWire) fingerprint.Fingerprint {
	return fingerprint.Fingerprint{
		MaxVersionSpecified:   w.MaxVersionSpecified,
		MaxVersionEncountered: w.MaxVersionEncountered,
		MaxDoc:                w.MaxDoc,
		NumDocs:               w.NumDocs,
		Hash:                  w.Hash,
	}
}
