// Package log provides wnm's structured logging on top of zerolog: a
// global Logger configured once via Init, plus WithComponent/WithNodeID/
// WithAction helpers for attaching context (which package, which node,
// which action kind) to a run's log lines without threading a logger
// through every call. Console output is the default; JSON output
// (Config.JSONOutput, set by --log-json) is available for cron/systemd
// capture.
package log
