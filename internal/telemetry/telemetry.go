package telemetry

// Logger is the minimal logging surface components depend on.
// *log.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}
