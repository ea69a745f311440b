// occtx_demo wires the full stack together in one process: logger, telemetry,
// an in-memory coordinator, two memstore resources and a registry, then runs
// one committing transaction and one that aborts on a write conflict.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/occtx/occtx/core/coordinator"
	"github.com/occtx/occtx/core/memstore"
	"github.com/occtx/occtx/core/registry"
	internaltelemetry "github.com/occtx/occtx/internal/telemetry"
	"github.com/occtx/occtx/pkg/logger"
	"github.com/occtx/occtx/pkg/telemetry"
)

func main() {
	logLevel := flag.String("log-level", "info", "minimum log level")
	logFormat := flag.String("log-format", "console", "log format: json or console")
	metricsEnabled := flag.Bool("metrics", false, "expose prometheus metrics")
	metricsPort := flag.Int("metrics-port", 9091, "prometheus metrics port")
	flag.Parse()

	log, err := logger.New(logger.Config{
		Level:   *logLevel,
		Format:  *logFormat,
		Service: "occtx-demo",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tel, shutdownTelemetry, err := telemetry.New(telemetry.Config{
		Enabled:        *metricsEnabled,
		ServiceName:    "occtx-demo",
		PrometheusPort: *metricsPort,
	})
	if err != nil {
		log.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	ctx := context.Background()
	defer shutdownTelemetry(ctx)

	metrics, err := internaltelemetry.NewTxnMetrics(tel.Meter)
	if err != nil {
		log.Fatal("failed to register transaction metrics", zap.Error(err))
	}

	coord := coordinator.NewLocal()
	users := memstore.New("users", log)
	orders := memstore.New("orders", log)

	reg := registry.New(coord, log,
		registry.WithMetrics(metrics),
		registry.WithTracer(tel.Tracer),
	)
	if err := reg.Register(users, orders); err != nil {
		log.Fatal("failed to register resources", zap.Error(err))
	}

	// Transaction 1: writes to both stores, commits cleanly.
	err = reg.Execute(ctx, func(ctx context.Context) error {
		if err := users.Put("alice", []byte(`{"balance":100}`)); err != nil {
			return err
		}
		return orders.Put("order-1", []byte(`{"user":"alice","qty":2}`))
	})
	if err != nil {
		log.Fatal("first transaction failed", zap.Error(err))
	}
	log.Info("first transaction outcome", zap.Stringer("outcome", reg.Outcome()))

	// Transaction 2: races a second writer to the same logical table. The
	// loser's change set overlaps a commit outside its snapshot and must
	// abort.
	rival := memstore.New("users", log)
	rivalReg := registry.New(coord, log, registry.WithMetrics(metrics))
	if err := rivalReg.Register(rival); err != nil {
		log.Fatal("failed to register rival resource", zap.Error(err))
	}

	err = reg.Execute(ctx, func(ctx context.Context) error {
		// Overlapping write lands from the rival while we are still open.
		rerr := rivalReg.Execute(ctx, func(ctx context.Context) error {
			return rival.Put("alice", []byte(`{"balance":50}`))
		})
		if rerr != nil {
			return fmt.Errorf("rival transaction failed: %w", rerr)
		}
		// Same fingerprint as the rival's write: users/alice.
		return users.Put("alice", []byte(`{"balance":75}`))
	})
	switch {
	case errors.Is(err, registry.ErrConflict):
		log.Info("second transaction aborted on conflict as expected",
			zap.Stringer("outcome", reg.Outcome()))
	case err != nil:
		log.Fatal("second transaction failed unexpectedly", zap.Error(err))
	default:
		log.Info("second transaction committed (no overlap recorded)")
	}

	v, err := users.Get("alice")
	if err != nil {
		log.Fatal("read-back failed", zap.Error(err))
	}
	log.Info("final state", zap.ByteString("users/alice", v))
}
