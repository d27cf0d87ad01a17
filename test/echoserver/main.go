package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Clouded-Sabre/utcp/config"
	"github.com/Clouded-Sabre/utcp/lib"
)

var (
	addr        string
	configPath  string
	metricsAddr string
	verbose     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "echoserver",
		Short: "Echo every byte received over utcp back to its sender",
		Long: `echoserver binds a utcp endpoint, accepts every connection and echoes
what it receives until the peer closes its side. Prometheus metrics and the
live routing table are served over HTTP when --metrics-addr is set.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	rootCmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8901", "UDP address to bind")
	rootCmd.Flags().StringVar(&configPath, "config", "config.yaml", "protocol configuration file")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "HTTP address for /metrics and /routes (disabled when empty)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every frame event")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	cfg.Logger = logger
	cfg.Registerer = registry

	endpoint, err := lib.Bind(addr, cfg)
	if err != nil {
		return err
	}
	defer endpoint.Close()
	logger.Info("Echo server listening", zap.Stringer("addr", endpoint.LocalAddr()))

	if metricsAddr != "" {
		go serveAdmin(logger, registry, endpoint)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutting down")
		endpoint.Close()
	}()

	for {
		conn, err := endpoint.Listen()
		if errors.Is(err, lib.ErrNotConnected) {
			return nil
		}
		if err != nil {
			logger.Warn("Listen error", zap.Error(err))
			continue
		}
		logger.Info("New connection", zap.Stringer("peer", conn.PeerAddr()))
		go handleConn(logger, conn)
	}
}

func handleConn(logger *zap.Logger, c *lib.Connection) {
	defer c.Close()
	log := logger.With(zap.Stringer("peer", c.PeerAddr()))
	for {
		payload, err := c.Recv()
		if err == io.EOF {
			log.Info("Connection closed by client")
			return
		}
		if err != nil {
			log.Warn("Recv error", zap.Error(err))
			return
		}
		log.Debug("Echoing", zap.Int("bytes", len(payload)))
		if _, err := c.Send(payload); err != nil {
			log.Warn("Send error", zap.Error(err))
			return
		}
	}
}

func serveAdmin(logger *zap.Logger, registry *prometheus.Registry, endpoint *lib.Endpoint) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Get("/routes", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"local": endpoint.LocalAddr().String(),
			"peers": endpoint.Peers(),
		})
	})

	logger.Info("Admin endpoint listening", zap.String("addr", metricsAddr))
	if err := http.ListenAndServe(metricsAddr, r); err != nil {
		logger.Error("Admin endpoint stopped", zap.Error(err))
	}
}
