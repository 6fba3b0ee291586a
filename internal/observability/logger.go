package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithPrincipal adds principal context to logger.
func (l *Logger) WithPrincipal(principal string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("principal", principal).Logger(),
	}
}

// WithPath adds path context to logger.
func (l *Logger) WithPath(path string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("path", path).Logger(),
	}
}

// WithFile adds file context to logger.
func (l *Logger) WithFile(filePath string, fileSize int64) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("file_path", filePath).
			Int64("file_size", fileSize).
			Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// VersionCreated logs a committed version-graph transaction.
func (l *Logger) VersionCreated(path, versionID string, sizeBytes int64, chunkCount int) {
	l.logger.Info().
		Str("path", path).
		Str("version_id", versionID).
		Int64("size_bytes", sizeBytes).
		Int("chunk_count", chunkCount).
		Msg("version created")
}

// ChunkStored logs a chunk accepted into the container store.
func (l *Logger) ChunkStored(hash string, sizeBytes, lengthBytes int, containerID string) {
	l.logger.Debug().
		Str("hash", hash).
		Int("size_bytes", sizeBytes).
		Int("length_bytes", lengthBytes).
		Str("container_id", containerID).
		Msg("chunk stored")
}

// ContainerSealed logs a packfile being sealed at capacity.
func (l *Logger) ContainerSealed(containerID string, totalSize int64, chunkCount int) {
	l.logger.Info().
		Str("container_id", containerID).
		Int64("total_size", totalSize).
		Int("chunk_count", chunkCount).
		Msg("container sealed")
}

// SyncCycleCompleted logs one pass of the client state machine.
func (l *Logger) SyncCycleCompleted(state string, filesProcessed int, elapsed time.Duration) {
	l.logger.Info().
		Str("state", state).
		Int("files_processed", filesProcessed).
		Float64("elapsed_seconds", elapsed.Seconds()).
		Msg("sync cycle completed")
}

// UploadRetried logs a retry-table entry being re-attempted.
func (l *Logger) UploadRetried(path string, attempt int, err error) {
	l.logger.Warn().
		Str("path", path).
		Int("attempt", attempt).
		Err(err).
		Msg("upload retried")
}

// NotificationDropped logs a notification dropped by the rate limiter or
// a full subscriber channel.
func (l *Logger) NotificationDropped(principal, reason string) {
	l.logger.Warn().
		Str("principal", principal).
		Str("reason", reason).
		Msg("notification dropped")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
