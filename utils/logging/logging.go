package logging

import (
	"log/slog"
)

type LogCode string

const (
	// SYSTEM EVENTS (SYSTEM*)
	SYSTEM LogCode = "SYSTEM"

	// SAMPLE OPERATIONS (SAMPLE*)
	SAMPLE_UPLOAD   LogCode = "SAMPLE_UPLOAD"
	SAMPLE_VALIDATE LogCode = "SAMPLE_VALIDATE"

	// PHYLO TREE OPERATIONS (TREE*)
	TREE_FETCH    LogCode = "TREE_FETCH"
	TREE_RENAME   LogCode = "TREE_RENAME"
	TREE_COLORING LogCode = "TREE_COLORING"
	TREE_DOWNLOAD LogCode = "TREE_DOWNLOAD"

	// AUTHORIZATION DECISIONS (AUTHZ*)
	AUTHZ_RESOLVE LogCode = "AUTHZ_RESOLVE"
	AUTHZ_DENIED  LogCode = "AUTHZ_DENIED"
)

// VictoriaLogs has fixed field name for time (_time) and message(_msg). This function maps fields msg -> _msg and time -> _time.
func convertKeysToVictoriaLogs(keys []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		return slog.Attr{Key: "_time", Value: slog.StringValue(a.Value.Time().Format("2006-01-02 15:04:05"))}
	}
	if a.Key == slog.MessageKey {
		return slog.Attr{Key: "_msg", Value: a.Value}
	}
	return a
}

func GetVictoriaLogsOptions(addSource bool) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level:       slog.LevelDebug,
		ReplaceAttr: convertKeysToVictoriaLogs,
		AddSource:   addSource,
	}
}
