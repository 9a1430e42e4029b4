package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"p2pnode/internal/config"
	"p2pnode/internal/core/network"
	"p2pnode/internal/logger"
	"p2pnode/internal/node"
	"p2pnode/internal/nodeapi"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Logger.Options())
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("node daemon stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	stack, err := network.NewLibp2pStack(context.Background(), network.Libp2pOptions{
		Rendezvous:      cfg.Node.Rendezvous,
		EnableMDNS:      cfg.Node.MDNS,
		IdentityKeyFile: cfg.Node.IdentityKeyFile,
		ConnLow:         cfg.Node.ConnLow,
		ConnHigh:        cfg.Node.ConnHigh,
		ConnGracePeriod: cfg.Node.ConnGracePeriod,
		Logger:          log.Named("libp2p"),
	})
	if err != nil {
		return fmt.Errorf("start libp2p stack: %w", err)
	}

	var reg prometheus.Registerer
	if cfg.Metrics.Enabled {
		reg = prometheus.DefaultRegisterer
	}
	n, err := node.New(stack, node.Options{
		Logger:        log.Named("node"),
		Registerer:    reg,
		CommandBuffer: cfg.Node.CommandBuffer,
	})
	if err != nil {
		_ = stack.Close()
		return fmt.Errorf("start node: %w", err)
	}
	defer n.Close()

	listen, err := cfg.Node.ListenMultiaddrs()
	if err != nil {
		return err
	}
	for _, addr := range listen {
		bound, err := n.AddListeningAddress(ctx, addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		log.Info("listening", zap.Stringer("requested", addr), zap.Stringer("addr", bound))
	}

	bootstrap, err := cfg.Node.BootstrapMultiaddrs()
	if err != nil {
		return err
	}
	for _, addr := range bootstrap {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Node.BootstrapTimeout)
		err := n.Connect(dialCtx, addr)
		cancel()
		if err != nil {
			log.Warn("bootstrap peer unreachable", zap.Stringer("addr", addr), zap.Error(err))
			continue
		}
		log.Info("connected to bootstrap peer", zap.Stringer("addr", addr))
	}

	if !cfg.HTTP.Enabled {
		<-ctx.Done()
		log.Info("shutting down")
		return nil
	}

	mux := http.NewServeMux()
	nodeapi.NewServer(n, log.Named("api")).Register(mux)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	}
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http api listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http api: %w", err)
		}
	case <-n.Done():
		return errors.New("node stopped unexpectedly")
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	// Streaming subscriptions end when the node closes, so close it first.
	_ = n.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	return nil
}
