/*
Package log provides structured logging for runway using zerolog.

A single package-level Logger is configured once by Init from the CLI's
--log-level flag or the RUNWAY_LOG_LEVEL environment variable. Packages derive
child loggers that carry the fields they care about:

	logger := log.WithComponent("manager")
	logger.Info().Str("cluster", name).Msg("cluster running")

	log.WithResource("echo", "run").Debug().Msg("dispatching")

# Output

Console output (the default) is meant for people at a terminal:

	2026-10-16T10:30:00Z INF cluster running component=manager cluster=c1

JSON output is used by the resident dispatch server, whose log file is tailed
by `runway cluster logs`:

	{"level":"info","component":"api","time":"2026-10-16T10:30:00Z","message":"listening"}

# Levels

debug, info, warn and error. Unknown names fall back to info, see ParseLevel.
*/
package log
