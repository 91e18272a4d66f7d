package p2p

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ruvnet/ledgermesh/internal/consensus"
	"github.com/ruvnet/ledgermesh/internal/consensus/storage"
	apierrors "github.com/ruvnet/ledgermesh/internal/errors"
	"github.com/ruvnet/ledgermesh/internal/ledgerfn"
	"github.com/ruvnet/ledgermesh/pkg/metrics"
)

// AdminServer is the supplemental observability HTTP surface
// (/healthz, /metrics, /debug/consensus/:key), served separately from
// the peer-to-peer RPC surface on gorilla/mux: the REST API (gin) and
// the consensus transport listen on distinct addresses.
type AdminServer struct {
	engine *gin.Engine
}

// NewAdminServer builds the admin surface against the consensus store
// for epoch/artifact introspection and the shared metrics registry.
func NewAdminServer(store *storage.Store[ledgerfn.Epoch, ledgerfn.LedgerArtifact], m *metrics.Metrics) *AdminServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})))

	engine.GET("/debug/consensus/:key", func(c *gin.Context) {
		keyParam := c.Param("key")
		key, err := parseEpochParam(keyParam)
		if err != nil {
			apiErr := apierrors.WrapError(err, apierrors.BadRequest, "invalid epoch key")
			c.JSON(apiErr.HTTPStatus(), apiErr)
			return
		}
		res := store.GetResources(key)
		c.JSON(http.StatusOK, debugConsensusView(res))
	})

	return &AdminServer{engine: engine}
}

// Handler returns the gin engine as an http.Handler for embedding into
// an http.Server.
func (s *AdminServer) Handler() http.Handler { return s.engine }

type debugDeclarationView struct {
	HasUpperBound   bool `json:"has_upper_bound"`
	HasProposalHash bool `json:"has_proposal_hash"`
	HasSignature    bool `json:"has_signature"`
}

type debugConsensusState struct {
	Key             ledgerfn.Epoch                   `json:"key"`
	Status          string                           `json:"status"`
	Facilitators    int                              `json:"facilitators"`
	Declarations    map[string]debugDeclarationView  `json:"declarations"`
	MajoritySet     bool                             `json:"majority_set"`
	Finished        bool                             `json:"finished"`
	Trigger         string                           `json:"trigger"`
	MajorityTrigger string                           `json:"majority_trigger"`
}

func debugConsensusView(res consensus.ConsensusResources[ledgerfn.Epoch, ledgerfn.LedgerArtifact]) debugConsensusState {
	declarations := make(map[string]debugDeclarationView, len(res.State.Declarations))
	for peer, d := range res.State.Declarations {
		declarations[peer.String()] = debugDeclarationView{
			HasUpperBound:   d.UpperBound != nil,
			HasProposalHash: d.ProposalHash != nil,
			HasSignature:    d.Signature != nil,
		}
	}
	return debugConsensusState{
		Key:             res.State.Key,
		Status:          res.State.Status.String(),
		Facilitators:    len(res.State.Facilitators),
		Declarations:    declarations,
		MajoritySet:     res.State.Majority != nil,
		Finished:        res.State.Status == consensus.Finished,
		Trigger:         res.State.Trigger,
		MajorityTrigger: res.State.MajorityTrigger,
	}
}

func parseEpochParam(s string) (ledgerfn.Epoch, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ledgerfn.Epoch(n), nil
}
