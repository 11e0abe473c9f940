/*
Package log provides structured logging for cman using zerolog.

It wraps zerolog with a package-level Logger, JSON or console output
selected at Init, and small helpers for attaching component/node context:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	nodeLog := log.WithNodeID("3")
	nodeLog.Info().Str("component", "transition").Msg("entered MEMBER state")

Never log the shared cluster key or any client-supplied secret payload.
*/
package log
