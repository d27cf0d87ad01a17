package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Clouded-Sabre/utcp/config"
	"github.com/Clouded-Sabre/utcp/lib"
)

var (
	localAddr  string
	serverAddr string
	configPath string
	count      int
	interval   time.Duration
	bulkSize   int
	redial     bool
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "echoclient",
		Short: "Send messages to a utcp echo server and check the replies",
		Long: `echoclient connects to an echoserver, sends numbered messages at a fixed
interval, optionally a bulk payload, and compares every echo with what was sent.
It closes its side when done and prints statistics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	rootCmd.Flags().StringVar(&localAddr, "addr", "127.0.0.1:0", "local UDP address to bind")
	rootCmd.Flags().StringVar(&serverAddr, "peer", "127.0.0.1:8901", "echo server address")
	rootCmd.Flags().StringVar(&configPath, "config", "config.yaml", "protocol configuration file")
	rootCmd.Flags().IntVar(&count, "count", 10, "number of messages to send")
	rootCmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "interval between messages")
	rootCmd.Flags().IntVar(&bulkSize, "size", 0, "bytes of bulk data to send after the messages")
	rootCmd.Flags().BoolVar(&redial, "redial", false, "retry the handshake with exponential backoff")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every frame event")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

type stats struct {
	sent, matched, failed int
}

func run(cmd *cobra.Command, args []string) error {
	var logger *zap.Logger
	var err error
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.Logger = logger

	endpoint, err := lib.Bind(localAddr, cfg)
	if err != nil {
		return err
	}
	defer endpoint.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var conn *lib.Connection
	if redial {
		redialCfg := lib.DefaultRedialConfig()
		redialCfg.OnRetry = func(attempt int, err error) {
			logger.Warn("Handshake failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		conn, err = lib.DialWithBackoff(ctx, endpoint, serverAddr, redialCfg)
	} else {
		conn, err = endpoint.ConnectContext(ctx, serverAddr)
	}
	if err != nil {
		return fmt.Errorf("connect %s: %w", serverAddr, err)
	}
	logger.Info("Connected", zap.Stringer("peer", conn.PeerAddr()), zap.Stringer("local", conn.LocalAddr()))

	var st stats
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

loop:
	for i := 1; i <= count; i++ {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}
		message := []byte(fmt.Sprintf("Echo message %d", i))
		if err := echo(conn, message, &st); err != nil {
			logger.Warn("Echo failed", zap.Int("message", i), zap.Error(err))
			if errors.Is(err, lib.ErrConnectionReset) || errors.Is(err, io.EOF) {
				break loop
			}
			continue
		}
		logger.Info("Echo matched", zap.Int("message", i))
	}

	if bulkSize > 0 && ctx.Err() == nil {
		bulk := bytes.Repeat([]byte("utcp"), bulkSize/4+1)[:bulkSize]
		start := time.Now()
		if err := echo(conn, bulk, &st); err != nil {
			logger.Warn("Bulk echo failed", zap.Error(err))
		} else {
			logger.Info("Bulk echo matched", zap.Int("bytes", bulkSize), zap.Duration("elapsed", time.Since(start)))
		}
	}

	if err := conn.Close(); err != nil {
		logger.Warn("Close error", zap.Error(err))
	}

	fmt.Printf("\n=== Echo Client Statistics ===\n")
	fmt.Printf("Messages sent: %d\n", st.sent)
	fmt.Printf("Matching echoes: %d\n", st.matched)
	fmt.Printf("Failed echoes: %d\n", st.failed)
	if st.sent > 0 {
		fmt.Printf("Success rate: %.1f%%\n", float64(st.matched)/float64(st.sent)*100)
	}
	return nil
}

// echo sends message and reads until as many bytes have come back.
func echo(conn *lib.Connection, message []byte, st *stats) error {
	st.sent++

	// echoed segments that arrive while Send waits for acknowledgments are
	// queued for the reads below
	if _, err := conn.Send(message); err != nil {
		st.failed++
		return err
	}

	reply := make([]byte, len(message))
	if _, err := io.ReadFull(conn, reply); err != nil {
		st.failed++
		return err
	}
	if !bytes.Equal(reply, message) {
		st.failed++
		return fmt.Errorf("echo mismatch: sent %d bytes, got different content", len(message))
	}
	st.matched++
	return nil
}
