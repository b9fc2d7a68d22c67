package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyra-network/scribe-ledger/pkg/api"
	"github.com/hyra-network/scribe-ledger/pkg/archival"
	"github.com/hyra-network/scribe-ledger/pkg/cluster"
	"github.com/hyra-network/scribe-ledger/pkg/config"
	"github.com/hyra-network/scribe-ledger/pkg/consensus"
	"github.com/hyra-network/scribe-ledger/pkg/discovery"
	"github.com/hyra-network/scribe-ledger/pkg/engine"
	"github.com/hyra-network/scribe-ledger/pkg/events"
	"github.com/hyra-network/scribe-ledger/pkg/log"
	"github.com/hyra-network/scribe-ledger/pkg/manifest"
	"github.com/hyra-network/scribe-ledger/pkg/metrics"
	"github.com/hyra-network/scribe-ledger/pkg/s3"
	"github.com/hyra-network/scribe-ledger/pkg/segment"
	"github.com/hyra-network/scribe-ledger/pkg/server"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
}

var rootCmd = &cobra.Command{
	Use:   "scribe",
	Short: "Scribe Ledger - distributed append-oriented key/value ledger",
	Long: `Scribe Ledger is a replicated key/value ledger: writes go through
raft consensus, committed state lives in a local embedded store, and
aged segments are archived to S3-compatible object storage with a
consensus-replicated manifest indexing them.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Scribe Ledger version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().String("config", "", "Path to the TOML configuration file")
	rootCmd.Flags().Uint64("node-id", 0, "Override node.id from the configuration")
	rootCmd.Flags().Bool("bootstrap", false, "Bootstrap a new single-voter cluster (fails on existing state)")
	rootCmd.Flags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	nodeIDOverride, _ := cmd.Flags().GetUint64("node-id")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if nodeIDOverride != 0 {
		cfg.Node.ID = nodeIDOverride
	}

	if err := run(cfg, bootstrap); err != nil {
		log.Errorf("initialization failed", err)
		os.Exit(1)
	}
	return nil
}

func run(cfg *config.Config, bootstrap bool) error {
	logger := log.WithNodeID(cfg.Node.ID)
	metrics.Register()

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	eng, err := engine.Open(cfg.Node.DataDir)
	if err != nil {
		return err
	}
	defer eng.Close()

	segments := segment.NewManager(cfg.Node.ID, cfg.Storage.SegmentSize)
	if err := segments.UseSeqStore(eng); err != nil {
		return err
	}
	manifestState := manifest.NewState()

	fsm, err := consensus.NewFSM(eng, segments, manifestState)
	if err != nil {
		return err
	}

	cons, err := consensus.NewNode(consensus.Options{
		NodeID:              cfg.Node.ID,
		RaftAddr:            cfg.RaftAddr(),
		DataDir:             cfg.Node.DataDir,
		ElectionTimeoutMin:  time.Duration(cfg.Consensus.ElectionTimeoutMinMs) * time.Millisecond,
		ElectionTimeoutMax:  time.Duration(cfg.Consensus.ElectionTimeoutMaxMs) * time.Millisecond,
		HeartbeatInterval:   time.Duration(cfg.Consensus.HeartbeatIntervalMs) * time.Millisecond,
		MaxPayloadEntries:   cfg.Consensus.MaxPayloadEntries,
		SnapshotThreshold:   uint64(cfg.Consensus.SnapshotLogsSinceLast),
		TrailingLogs:        uint64(cfg.Consensus.MaxInSnapshotLogToKeep),
		DefaultApplyTimeout: time.Duration(cfg.API.WriteTimeoutSecs) * time.Second,
	}, fsm)
	if err != nil {
		return err
	}

	man := manifest.NewManager(manifestState, cons)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	disco := discovery.New(discovery.Config{
		NodeID:            cfg.Node.ID,
		BindAddr:          cfg.GossipAddr(),
		RaftAddr:          cfg.RaftAddr(),
		ClientAddr:        cfg.ClientAddr(),
		SeedPeers:         cfg.Network.SeedPeers,
		HeartbeatInterval: time.Duration(cfg.Discovery.HeartbeatIntervalMs) * time.Millisecond,
		FailureTimeout:    time.Duration(cfg.Discovery.FailureTimeoutMs) * time.Millisecond,
	}, broker)
	if err := disco.Start(); err != nil {
		return err
	}
	defer disco.Stop()

	var arch *archival.Engine
	if cfg.Storage.S3.Bucket != "" {
		backend, err := s3.New(context.Background(), cfg.Storage.S3)
		if err != nil {
			return err
		}
		arch, err = archival.New(archival.Policy{
			AgeThreshold:     time.Duration(cfg.Storage.Tiering.AgeThresholdSecs) * time.Second,
			Compress:         cfg.Storage.Tiering.EnableCompression,
			CompressionLevel: cfg.Storage.Tiering.CompressionLevel,
			AutoArchival:     cfg.Storage.Tiering.EnableAutoArchival,
			CheckInterval:    time.Duration(cfg.Storage.Tiering.ArchivalCheckIntervalSec) * time.Second,
		}, backend, segments, man, broker, cons.IsLeader, cfg.Storage.MaxCacheSize)
		if err != nil {
			return err
		}
	} else {
		logger.Warn().Msg("no s3 bucket configured, cold tiering disabled")
	}

	apiFacade, err := api.New(cons, fsm, segments, man, arch, api.Options{
		WriteTimeout: time.Duration(cfg.API.WriteTimeoutSecs) * time.Second,
		ReadTimeout:  time.Duration(cfg.API.ReadTimeoutSecs) * time.Second,
		MaxBatchSize: cfg.API.MaxBatchSize,
		CacheSize:    cfg.API.CacheCapacity,
	})
	if err != nil {
		return err
	}

	listenAddr := fmt.Sprintf("%s:%d", cfg.Network.ListenAddr, cfg.Network.ClientPort)
	srv := server.New(listenAddr, cfg.Node.ID, apiFacade, cons, man, disco, broker)
	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	init := cluster.New(cluster.Options{
		NodeID:     cfg.Node.ID,
		RaftAddr:   cfg.RaftAddr(),
		ClientAddr: cfg.ClientAddr(),
	}, cons, disco)
	if err := init.Run(ctx, bootstrap); err != nil {
		return err
	}

	if arch != nil {
		arch.Start(ctx)
		defer arch.Stop()
	}

	collector := metrics.NewCollector(cons, segments, man, 10*time.Second)
	collector.Start()
	defer collector.Stop()

	logger.Info().
		Str("client_addr", listenAddr).
		Str("raft_addr", cfg.RaftAddr()).
		Msg("node started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := cons.Shutdown(); err != nil {
		return err
	}
	return nil
}
