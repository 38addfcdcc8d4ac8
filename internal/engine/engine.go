// Package engine implements the ACME protocol engines: account
// registration, order placement and finalization, dns-01 authorization and
// challenge handling, and certificate download/revocation. Engines share no
// state and compose only through the entity graph in internal/model; all
// network I/O goes through internal/transport.
package engine

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "engine"))
}
