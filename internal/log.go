package internal

import "log/slog"

// LevelTrace is a log level below debug for very verbose output.
const LevelTrace = slog.Level(-8)

// ReplaceAttr renames the custom trace level in log output so it reads
// "TRACE" instead of "DEBUG-4".
func ReplaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}
