// Package logging configures the process-wide zerolog logger and carries
// request ids through contexts.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"golang.org/x/term"
)

type ctxKey struct{}

// Config controls logger initialization.
type Config struct {
	Format    string // "json", "console", or "auto"
	Level     string // "debug", "info", "warn", "error"
	Component string // optional component name

	// Output overrides stderr. Format "auto" never picks the console
	// writer for a non-file output.
	Output io.Writer
}

var isTerminalFn = term.IsTerminal

// Init configures zerolog globals, replaces log.Logger and returns it.
func Init(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	builder := zerolog.New(selectWriter(cfg.Format, out)).With().Timestamp()
	if component := strings.TrimSpace(cfg.Component); component != "" {
		builder = builder.Str("component", component)
	}
	log.Logger = builder.Logger()
	return log.Logger
}

// WithRequestID stores requestID on ctx, generating one when it is blank.
func WithRequestID(ctx context.Context, requestID string) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return context.WithValue(ctx, ctxKey{}, requestID), requestID
}

// GetRequestID returns the request ID stored on ctx, if any.
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Ctx returns the global logger tagged with the request ID on ctx.
func Ctx(ctx context.Context) zerolog.Logger {
	if id := GetRequestID(ctx); id != "" {
		return log.Logger.With().Str("request_id", id).Logger()
	}
	return log.Logger
}

func parseLevel(level string) zerolog.Level {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "":
		return zerolog.InfoLevel
	case "warning":
		return zerolog.WarnLevel
	}
	lvl, err := zerolog.ParseLevel(normalized)
	if err != nil || lvl == zerolog.NoLevel {
		fmt.Fprintf(os.Stderr, "logging: invalid level %q; using %q\n", normalized, "info")
		return zerolog.InfoLevel
	}
	return lvl
}

func selectWriter(format string, out io.Writer) io.Writer {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console":
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case "json":
		return out
	case "auto", "":
		if f, ok := out.(*os.File); ok && isTerminalFn(int(f.Fd())) {
			return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		}
		return out
	default:
		fmt.Fprintf(os.Stderr, "logging: invalid format %q; using %q\n", format, "json")
		return out
	}
}
