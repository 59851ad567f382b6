package daemonserver

import (
	"context"
	"io"
	"time"

	"workflow-bundles/go-backend/internal/adapters/rpc"
	"workflow-bundles/go-backend/internal/composition/daemon"
	"workflow-bundles/go-backend/internal/config"
	"workflow-bundles/go-backend/internal/metrics"
	"workflow-bundles/go-backend/internal/platform/ratelimiter"
)

const rpcLimiterIdleTTL = 10 * time.Minute

// NewRPCServer wires the bundle service and the RPC transport from cfg.
// Logs go to logOut.
func NewRPCServer(ctx context.Context, cfg config.Config, logOut io.Writer) (*rpc.Server, error) {
	logger := daemon.NewLogger(logOut, cfg.LogLevel)
	m := metrics.New()
	svc, err := daemon.BuildService(ctx, cfg, logger, m)
	if err != nil {
		return nil, err
	}
	srv := rpc.NewServer(rpc.Options{
		Addr:           cfg.RPC.Addr,
		Token:          cfg.RPC.Token,
		Service:        svc,
		Limiter:        ratelimiter.New(cfg.RPC.Limit.RPS, cfg.RPC.Limit.Burst, rpcLimiterIdleTTL),
		Metrics:        m.Handler(),
		Logger:         logger,
		MaxBodyBytes:   rpcBodyLimit(cfg.Archive.MaxUncompressedBytes),
		AllowedOrigins: cfg.RPC.AllowedOrigins,
	})
	if err := srv.Err(); err != nil {
		return nil, err
	}
	return srv, nil
}

// rpcBodyLimit leaves room for a base64 encoded archive of the largest
// accepted size.
func rpcBodyLimit(maxArchive int64) int64 {
	if maxArchive <= 0 {
		return 0
	}
	return maxArchive/3*4 + 1<<20
}
