package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dag-consensus/config"
	"dag-consensus/consensus"
	"dag-consensus/crypto"
	"dag-consensus/db"
	"dag-consensus/handlers"
	"dag-consensus/logger"
	"dag-consensus/metrics"
	"dag-consensus/network"
	"dag-consensus/repository"
	"dag-consensus/routers"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dagnode",
		Short:         "Leaderless DAG consensus node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configFile string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a consensus node serving the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return runNode(cfg)
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "config/config.yaml", "path of the YAML configuration")

	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Print a new hex encoded signing seed",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := crypto.GenerateSigner()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seed: %x\npublic key: %x\n", signer.Seed(), signer.PublicKey())
			return nil
		},
	}

	root.AddCommand(runCmd, keygen)
	return root
}

func runNode(cfg *config.Config) error {
	if err := logger.InitLogger(cfg.Log.File, cfg.Log.Level); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	defer logger.Logger.Sync()

	logger.Logger.Info("Starting DAG consensus node...", zap.String("node", cfg.Network.Self))

	engineCfg, err := cfg.Engine()
	if err != nil {
		return err
	}

	// Connect to LevelDB
	ldb, err := db.NewLevelDB(cfg.LevelDB.Path)
	if err != nil {
		return errors.Wrap(err, "failed to open leveldb")
	}
	defer ldb.Close()

	repo := repository.NewVertexRepository(ldb)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New("dag", reg)
	if err != nil {
		return err
	}

	var signer *crypto.Signer
	if cfg.Node.Seed != "" {
		signer, err = crypto.NewSignerFromHex(cfg.Node.Seed)
	} else {
		signer, err = crypto.GenerateSigner()
	}
	if err != nil {
		return err
	}

	transport, err := network.NewHTTPTransport(network.PeerID(cfg.Network.Self), cfg.Network.Peers, cfg.Network.Timeout, logger.Logger.Named("network"))
	if err != nil {
		return err
	}

	engine, err := consensus.New(engineCfg, consensus.Deps{
		Network: transport,
		Signer:  signer,
		Repo:    repo,
		Metrics: m,
		Log:     logger.Logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start consensus engine")
	}

	// Setup router
	r := mux.NewRouter()
	routers.RegisterRoutes(r, handlers.NewHandler(engine, handlers.BodyLimit(engineCfg.MaxPayloadSize)), reg)

	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: r,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Logger.Info("Server running",
		zap.String("address", cfg.Server.Address),
		zap.Int("peers", len(transport.Peers())))

	// Graceful shutdown
	select {
	case <-ctx.Done():
		logger.Logger.Info("Shutdown signal received, draining...")
	case err := <-serveErr:
		logger.Logger.Error("Server stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Warn("HTTP server shutdown", zap.Error(err))
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		logger.Logger.Warn("Consensus engine stop", zap.Error(err))
	}
	logger.Logger.Info("Node stopped", zap.Any("metrics", engine.GetMetrics()))
	return nil
}
