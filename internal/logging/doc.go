// Package logging provides structured logging for leasekeeper.
//
// It wraps log/slog to emit one JSON object per line. Every claim, release,
// branch lock transition and recovery outcome is logged with the session and
// resource involved, so the log file reads as an audit trail of who held what.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger(stateDir, logging.LevelInfo, logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.WithSession("s1").WithResource("WI-42").Info("lease claimed", "status", "created")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"lease claimed","session_id":"s1","resource":"WI-42","status":"created"}
//
// # Rotation
//
// [NewLogger] writes through a [RotatingWriter], which renames the file to
// leasekeeper.log.1 once it passes MaxSizeMB and keeps MaxBackups older files,
// optionally gzip compressed.
//
// All types in this package are safe for concurrent use.
package logging
