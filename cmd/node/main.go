// Command node is the gossip/consensus node entrypoint, a cobra CLI
// with a root command plus subcommands: start loads config and stands
// up zap before anything else, print-config only loads config, and
// version only prints.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ruvnet/ledgermesh/internal/config"
	"github.com/ruvnet/ledgermesh/internal/consensus/manager"
	"github.com/ruvnet/ledgermesh/internal/consensus/storage"
	"github.com/ruvnet/ledgermesh/internal/envelope"
	"github.com/ruvnet/ledgermesh/internal/gossip"
	"github.com/ruvnet/ledgermesh/internal/healthcheck"
	"github.com/ruvnet/ledgermesh/internal/ledgerfn"
	"github.com/ruvnet/ledgermesh/internal/p2p"
	"github.com/ruvnet/ledgermesh/internal/peerid"
	"github.com/ruvnet/ledgermesh/internal/rumorstore"
	"github.com/ruvnet/ledgermesh/pkg/metrics"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "node",
	Short: "ledgermesh node: gossip dissemination and epoch consensus",
	Long:  "A command-line entrypoint for the ledgermesh node, running the peer-to-peer gossip daemon and epoch-consensus core described for a distributed ledger's coordination layer.",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the node",
	Run:   runStart,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the node version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

var printConfigCmd = &cobra.Command{
	Use:   "print-config",
	Short: "print the resolved configuration and exit",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		fmt.Printf("%+v\n", cfg)
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(printConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) {
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Printf("failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		logger.Fatal("failed to generate node keypair", zap.Error(err))
	}
	self := peerid.FromPublicKey(pub)
	logger.Info("node identity", zap.String("peer_id", self.String()))

	m := metrics.New()

	store := storage.New[ledgerfn.Epoch, ledgerfn.LedgerArtifact]()
	rstore := rumorstore.New(rumorstore.Config{
		ActiveRetention: cfg.Gossip.ActiveRetention,
		SeenRetention:   cfg.Gossip.SeenRetention,
	}, logger)

	peers := newStaticCluster(parsePeers(getEnv("LEDGERMESH_PEERS", "")))

	validator := envelope.NewValidator(peers.publicKeyLookup, nil)

	fns := ledgerfn.New()
	sign := func(hash [32]byte) (envelope.Proof, error) {
		return envelope.SignDigest(self, priv, hash)
	}

	p2pClient := p2p.NewClient[ledgerfn.Epoch](self, cfg.P2P.CallTimeout)
	regTx := &p2p.RegistrationClient[ledgerfn.Epoch]{Client: p2pClient, Addresses: peers}

	// The gossip daemon's handler and the consensus manager's gossip
	// sink each need the other to exist first; handlerRef breaks the
	// cycle by letting the daemon close over a rumor handler that is
	// only wired up once the manager (and hence the daemon it needs
	// for its sink) are both built.
	var handlerRef func(envelope.Signed) bool
	handler := func(signed envelope.Signed) bool {
		if handlerRef == nil {
			return false
		}
		return handlerRef(signed)
	}

	daemon := gossip.New(
		gossip.Config{
			Interval:              cfg.Gossip.Interval,
			Fanout:                cfg.Gossip.Fanout,
			MaxConcurrentHandlers: cfg.Gossip.MaxConcurrentHandlers,
		},
		self, rstore, validator, p2pClient, peers,
		handler,
		logger, m,
	)

	sink := &daemonSink{self: self, priv: priv, daemon: daemon}
	consensusMgr := manager.New[ledgerfn.Epoch, ledgerfn.LedgerArtifact](
		self,
		manager.Config{TimeTriggerInterval: cfg.Consensus.TimeTriggerInterval},
		store,
		fns,
		sign,
		sink,
		peers,
		regTx,
		logger,
		m,
	)
	handlerRef = consensusMgr.HandleRumor

	healthMgr := healthcheck.NewManager(healthcheck.SimpleMajorityDriver{})

	p2pServer := p2p.NewServer[ledgerfn.Epoch](daemon, consensusMgr, healthMgr)
	adminServer := p2p.NewAdminServer(store, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	daemon.Start(ctx)
	defer daemon.Stop()

	if bootstrapPeer, ok := peers.any(); ok {
		if err := consensusMgr.StartObservingAfter(ctx, ledgerfn.Epoch(0), bootstrapPeer); err != nil {
			logger.Warn("failed to start observing configured peer", zap.Error(err))
		}
	} else {
		consensusMgr.StartFacilitatingAfter(ledgerfn.Epoch(0), ledgerfn.LedgerArtifact{})
	}
	consensusMgr.Start(ctx)
	defer consensusMgr.Stop()

	driver := newHealthDriver(self, healthMgr, p2pClient, peers, logger, m)
	go driver.Run(ctx, cfg.HealthCheck.Interval)

	p2pHTTP := &http.Server{Addr: cfg.P2P.ListenAddr, Handler: p2pServer.Handler()}
	adminHTTP := &http.Server{Addr: cfg.Admin.ListenAddr, Handler: adminServer.Handler()}

	go func() {
		logger.Info("p2p surface listening", zap.String("addr", cfg.P2P.ListenAddr))
		if err := p2pHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("p2p server exited", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("admin surface listening", zap.String("addr", cfg.Admin.ListenAddr))
		if err := adminHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server exited", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	p2pHTTP.Shutdown(shutdownCtx)
	adminHTTP.Shutdown(shutdownCtx)
}

// daemonSink adapts a gossip.Daemon into manager.GossipSink: the
// manager hands it rumors to sign-and-enqueue rather than mutating the
// daemon's storage directly, keeping the two packages decoupled.
type daemonSink struct {
	self   peerid.PeerID
	priv   ed25519.PrivateKey
	daemon *gossip.Daemon
}

func (s *daemonSink) EmitPeerRumor(kind envelope.RumorKind, payload []byte) error {
	rumor := envelope.PeerRumor{Origin: s.self, ContentType: kind, Payload: payload}
	return s.enqueue(rumor)
}

func (s *daemonSink) EmitCommonRumor(kind envelope.RumorKind, payload []byte) error {
	rumor := envelope.CommonRumor{ContentType: kind, Payload: payload}
	return s.enqueue(rumor)
}

func (s *daemonSink) enqueue(rumor envelope.Rumor) error {
	hash, err := envelope.ComputeHash(rumor)
	if err != nil {
		return fmt.Errorf("daemonSink: hash rumor: %w", err)
	}
	proof, err := envelope.Sign(s.self, s.priv, rumor)
	if err != nil {
		return fmt.Errorf("daemonSink: sign rumor: %w", err)
	}
	entry := envelope.RumorEntry{Hash: hash, Signed: envelope.Signed{Value: rumor, Proofs: []envelope.Proof{proof}}}
	s.daemon.Enqueue(envelope.RumorBatch{entry})
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parsePeers(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
