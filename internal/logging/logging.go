// Package logging provides structured logging configuration.
package logging

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration options.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// New creates a new configured zap logger.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	var zcfg zap.Config
	if strings.EqualFold(cfg.Format, "console") {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.LevelKey = "level"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.CallerKey = "caller"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}

	return logger.With(zap.String("service", "sebcoord")), nil
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// FromEnv creates a Config from environment variables.
func FromEnv() Config {
	return Config{
		Level:  getenv("SEBCOORD_LOG_LEVEL", "info"),
		Format: getenv("SEBCOORD_LOG_FORMAT", "json"),
	}
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Component returns a zap field for the component name.
func Component(name string) zap.Field { return zap.String("component", name) }

// Addr returns a zap field for an address.
func Addr(addr string) zap.Field { return zap.String("addr", addr) }

// Domain returns a zap field for a domain name.
func Domain(domain string) zap.Field { return zap.String("domain", domain) }

// RemoteIP returns a zap field for a remote IP address.
func RemoteIP(ip string) zap.Field { return zap.String("remote_ip", ip) }

// Method returns a zap field for an HTTP method.
func Method(method string) zap.Field { return zap.String("method", method) }

// Path returns a zap field for a URL path.
func Path(path string) zap.Field { return zap.String("path", path) }

// Status returns a zap field for an HTTP status code.
func Status(code int) zap.Field { return zap.Int("status", code) }

// TLSMode returns a zap field for TLS mode.
func TLSMode(mode string) zap.Field { return zap.String("tls_mode", mode) }

// InstitutionID returns a zap field for an institution.
func InstitutionID(id int64) zap.Field { return zap.Int64("institution_id", id) }

// ExamID returns a zap field for an exam.
func ExamID(id int64) zap.Field { return zap.Int64("exam_id", id) }

// ConnectionToken returns a zap field for a client connection token.
func ConnectionToken(token string) zap.Field { return zap.String("connection_token", token) }

// ConnectionStatus returns a zap field for a connection status.
func ConnectionStatus(status string) zap.Field { return zap.String("connection_status", status) }

// ActionID returns a zap field for a batch action.
func ActionID(id int64) zap.Field { return zap.Int64("action_id", id) }

// ActionType returns a zap field for a batch action type.
func ActionType(t string) zap.Field { return zap.String("action_type", t) }

// TargetID returns a zap field for a batch action target.
func TargetID(id int64) zap.Field { return zap.Int64("target_id", id) }

// ProcessorID returns a zap field for a batch processor.
func ProcessorID(id string) zap.Field { return zap.String("processor_id", id) }

// Lease returns a zap field for a claim lease duration.
func Lease(d time.Duration) zap.Field { return zap.Duration("lease", d) }

// RoomID returns a zap field for a proctoring room.
func RoomID(id int64) zap.Field { return zap.Int64("room_id", id) }

// RoomKind returns a zap field for a room kind.
func RoomKind(kind string) zap.Field { return zap.String("room_kind", kind) }

// Generation returns a zap field for a room generation counter.
func Generation(gen int64) zap.Field { return zap.Int64("generation", gen) }

// KeyType returns a zap field for a security key type.
func KeyType(t string) zap.Field { return zap.String("key_type", t) }
