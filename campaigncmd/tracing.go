package campaigncmd

import (
	"context"
	"os"
	"time"

	"go.ntppool.org/common/config/depenv"
	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/tracing"
)

// initTracing starts the trace exporter when an OTLP endpoint is
// configured in the environment.
func initTracing(ctx context.Context, deployEnv depenv.DeploymentEnvironment) (func(context.Context), error) {
	if len(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")) == 0 {
		return func(context.Context) {}, nil
	}

	tpShutdownFn, err := tracing.InitTracer(ctx,
		&tracing.TracerConfig{
			ServiceName: appName,
			Environment: deployEnv.String(),
		},
	)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) {
		log := logger.FromContext(ctx)
		log.Debug("shutting down trace provider")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tpShutdownFn(shutdownCtx); err != nil {
			log.Warn("trace provider shutdown", "err", err)
		}
	}, nil
}
