// Package logging provides structured logging for the Venus bridge.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - "auto" format: text on an interactive terminal, JSON otherwise
//   - Rotating file output (size, age and backup limits)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "auto"     # json, text, auto
//	  output: "file"     # stdout, stderr, file
//	  file:
//	    path: "/var/log/venus-bridge.log"
//	    max_size: 10     # megabytes
//	    max_backups: 5
//	    max_age: 28      # days
//	    compress: true
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	defer logger.Close()
//	logger.Info("polling device", "device", "venus-1", "interval", "5m")
//
// Never log MQTT or InfluxDB credentials.
package logging
