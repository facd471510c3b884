package types

type RunMode string

const (
	// ModeLocal runs the poller and the in-memory bus in one process
	ModeLocal RunMode = "local"
	// ModeWorker runs only the notification poller
	ModeWorker RunMode = "worker"
)

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)
