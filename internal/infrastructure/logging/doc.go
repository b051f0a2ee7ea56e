// Package logging provides structured logging for the Tuya bridge.
//
// This package wraps Go's standard log/slog package so every component logs
// with the same default fields (service, version) and level filtering.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting bridge", "devices", 3)
//	logger.Error("cloud request failed", "error", err)
//
// Never log device local keys, cloud tokens or operator passwords.
package logging
