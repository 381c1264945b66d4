// Command minidb runs the MiniDB server.
//
// The data and WAL directories must exist before startup. On SIGINT or
// SIGTERM the server stops accepting connections and forces a final flush of
// every pending WAL segment.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	minidb "github.com/siam397/mdb"
)

func main() {
	cmd := &cli.Command{
		Name:  "minidb",
		Usage: "persistent ordered key-value store over TCP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "data-dir",
				Value: "data",
				Usage: "directory for SSTable files",
			},
			&cli.StringFlag{
				Name:  "wal-dir",
				Value: "wal",
				Usage: "directory for write-ahead log segments",
			},
			&cli.DurationFlag{
				Name:  "flush-interval",
				Value: 10 * time.Second,
				Usage: "period of the background flusher",
			},
			&cli.IntFlag{
				Name:  "compaction-cadence",
				Value: minidb.DefaultCompactionCadence,
				Usage: "flush cycles between compactions",
			},
			&cli.StringFlag{
				Name:  "addr",
				Value: ":4000",
				Usage: "TCP listen address",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Value: "",
				Usage: "Prometheus listen address (disabled when empty)",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics := minidb.NewMetrics(reg)

	db, closeDB, err := minidb.Open(
		cmd.String("data-dir"),
		cmd.String("wal-dir"),
		cmd.Duration("flush-interval"),
		minidb.WithLogger(logger),
		minidb.WithMetrics(metrics),
		minidb.WithCompactionCadence(int(cmd.Int("compaction-cadence"))),
	)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if addr := cmd.String("metrics-addr"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warn("metrics listener failed", zap.Error(err))
			}
		}()
	}

	srv := minidb.NewServer(db)
	if err = srv.ListenAndServe(ctx, cmd.String("addr")); ctx.Err() == nil {
		closeDB()
		return err
	}

	logger.Info("shutting down")
	return closeDB()
}
