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

// NewConsoleLogger creates a logger with human-readable console output,
// used by the CLI entrypoints.
func NewConsoleLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stderr
	}

	console := zerolog.ConsoleWriter{Out: output, TimeFormat: time.Kitchen}

	logger := zerolog.New(console).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithUser adds user_id context to logger.
func (l *Logger) WithUser(userID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("user_id", userID).Logger(),
	}
}

// WithPeer adds peer_id context to logger.
func (l *Logger) WithPeer(peerID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("peer_id", peerID).Logger(),
	}
}

// WithComponent adds component context to logger.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("component", name).Logger(),
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

// IdentityReady logs successful identity initialization.
func (l *Logger) IdentityReady(fingerprint string, generated bool) {
	l.logger.Info().
		Str("fingerprint", fingerprint).
		Bool("generated", generated).
		Msg("identity keys ready")
}

// KeyUploadFailed logs a failed public key upload; the failure is non-fatal.
func (l *Logger) KeyUploadFailed(fingerprint string, err error) {
	l.logger.Warn().
		Str("fingerprint", fingerprint).
		Err(err).
		Msg("public key upload failed")
}

// KeyFetchFailed logs a directory lookup failure for a counterpart key.
func (l *Logger) KeyFetchFailed(userID string, attempts int, err error) {
	l.logger.Warn().
		Str("user_id", userID).
		Int("attempts", attempts).
		Err(err).
		Msg("recipient key fetch failed")
}

// MessageSent logs successful delivery of an outgoing message.
func (l *Logger) MessageSent(peerID, messageID, transport string) {
	l.logger.Info().
		Str("peer_id", peerID).
		Str("message_id", messageID).
		Str("transport", transport).
		Msg("message sent")
}

// SendBlocked logs a send stopped by a terminal directory error. The message
// is never transmitted in the clear.
func (l *Logger) SendBlocked(peerID string, err error) {
	l.logger.Warn().
		Str("peer_id", peerID).
		Err(err).
		Msg("send blocked, recipient key unavailable")
}

// FallbackSend logs the switch from the realtime channel to the
// request/response transport for one message.
func (l *Logger) FallbackSend(peerID string, cause error) {
	l.logger.Warn().
		Str("peer_id", peerID).
		Err(cause).
		Msg("realtime delivery failed, using fallback transport")
}

// DecryptFailed logs a per-message decryption failure.
func (l *Logger) DecryptFailed(messageID, senderID string, err error) {
	l.logger.Warn().
		Str("message_id", messageID).
		Str("sender_id", senderID).
		Err(err).
		Msg("message decryption failed")
}

// ReconcileSweep logs the outcome of one reconciliation pass over a
// transcript.
func (l *Logger) ReconcileSweep(peerID string, attempted, decrypted, failed int) {
	l.logger.Debug().
		Str("peer_id", peerID).
		Int("attempted", attempted).
		Int("decrypted", decrypted).
		Int("failed", failed).
		Msg("reconciliation sweep completed")
}

// RealtimeConnected logs an established realtime channel.
func (l *Logger) RealtimeConnected(url string) {
	l.logger.Info().
		Str("url", url).
		Msg("realtime channel connected")
}

// RealtimeClosed logs the loss of the realtime channel.
func (l *Logger) RealtimeClosed(err error) {
	l.logger.Info().
		Err(err).
		Msg("realtime channel closed")
}

// ClientConnected logs a websocket client attaching to the relay hub.
func (l *Logger) ClientConnected(userID string, replaced bool) {
	l.logger.Info().
		Str("user_id", userID).
		Bool("replaced", replaced).
		Msg("realtime client connected")
}

// ClientDisconnected logs a websocket client leaving the relay hub.
func (l *Logger) ClientDisconnected(userID string, err error) {
	l.logger.Info().
		Str("user_id", userID).
		Err(err).
		Msg("realtime client disconnected")
}

// MessageStored logs a message accepted and persisted by the relay.
func (l *Logger) MessageStored(messageID, senderID, receiverID, via string) {
	l.logger.Info().
		Str("message_id", messageID).
		Str("sender_id", senderID).
		Str("receiver_id", receiverID).
		Str("via", via).
		Msg("message stored")
}

// PushDropped logs a push abandoned because the client stopped draining its
// queue.
func (l *Logger) PushDropped(userID, event string) {
	l.logger.Warn().
		Str("user_id", userID).
		Str("event", event).
		Msg("push dropped, client not draining")
}

// HTTPRequest logs one served request.
func (l *Logger) HTTPRequest(method, path string, status int, duration time.Duration) {
	l.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Dur("duration", duration).
		Msg("request served")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
