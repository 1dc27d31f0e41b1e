package config

import (
	"time"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the structured logger of a binary. Entries at error level and above are
// also reported to Sentry. The returned func flushes both and should be deferred.
func (c *Config) NewLogger(component, version string) (*zap.Logger, func(), error) {
	var logger *zap.Logger
	var err error
	if c.Production() {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, nil, extErrors.Wrap(err, "Cannot initialize logger")
	}
	logger = logger.With(zap.String("Version", version))

	// An empty DSN leaves sentry disabled
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         c.SentryDSN,
		Environment: c.Env,
		Debug:       !c.Production() && c.SentryDSN != "",
	}); err != nil {
		return nil, nil, extErrors.Wrap(err, "Cannot initialize sentry")
	}

	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": component,
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		return nil, nil, extErrors.Wrap(err, "Cannot attach sentry to logger")
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	return logger, func() {
		sentry.Flush(time.Second * 2)
		logger.Sync()
	}, nil
}
