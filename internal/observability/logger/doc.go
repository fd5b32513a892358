// Package logger provides a singleton Zap logger with context-based scoping.
//
// Initialization happens once in main:
//
//	logger.Init(logger.Config{Env: cfg.Env, Level: cfg.LogLevel})
//	defer logger.Sync()
//
// Request-scoped loggers travel in the context; middleware injects a logger
// carrying request fields, and any layer below retrieves it with From(ctx):
//
//	log := logger.From(ctx).With(logger.Layer("service"), logger.Op("oauth.exchange"))
//	log.Warn("authorization code expired", logger.ClientID(clientID))
//
// "dev" environment logs colorized console output, "prod" logs JSON.
package logger
