// Package logging provides structured logging for the Forge engine.
//
// Entries are JSON objects produced by log/slog. Components attach context
// with the With* methods so a single forge.log can be filtered by session,
// round or component after the fact:
//
//	logger, err := logging.NewLogger(logging.Options{Dir: dir, Level: "INFO"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	log := logger.WithSession(id).WithComponent("session")
//	log.Info("round sealed", "round", 2, "score", 0.65)
//
// # Rotation
//
// When Options.Dir is set, output goes through a [RotatingWriter] that
// shifts forge.log to forge.log.1 .. forge.log.N once it exceeds
// RotationConfig.MaxSizeMB, optionally gzip-compressing the rotated file.
//
// All types are safe for concurrent use.
package logging
