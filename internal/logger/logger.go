// Package logger builds the zerolog root logger and carries per-request and
// per-job fields in a context so every slog call made with that context
// reports them.
package logger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	// SampleN keeps one in N events; 0 or 1 logs everything.
	SampleN   int
	Component string
}

// fields is stored in the context as a value; every With* copies it.
type fields struct {
	requestID string
	component string
	hitClass  string
	tileKey   string
	jobID     string
	attempt   int
}

type ctxKey struct{}

func from(ctx context.Context) fields {
	f, _ := ctx.Value(ctxKey{}).(fields)
	return f
}

func with(ctx context.Context, mut func(*fields)) context.Context {
	f := from(ctx)
	mut(&f)
	return context.WithValue(ctx, ctxKey{}, f)
}

// WithRequestID stores id, generating one when empty.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = NewID()
	}
	return with(ctx, func(f *fields) { f.requestID = id })
}

func WithComponent(ctx context.Context, component string) context.Context {
	if component == "" {
		return ctx
	}
	return with(ctx, func(f *fields) { f.component = component })
}

// WithHitClass records the cache status of a tile request.
func WithHitClass(ctx context.Context, hit string) context.Context {
	if hit == "" {
		return ctx
	}
	return with(ctx, func(f *fields) { f.hitClass = hit })
}

func WithTileKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return with(ctx, func(f *fields) { f.tileKey = key })
}

// WithJob tags logs written while a job attempt runs.
func WithJob(ctx context.Context, id string, attempt int) context.Context {
	return with(ctx, func(f *fields) {
		f.jobID = id
		f.attempt = attempt
	})
}

func NewID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Build configures zerolog's global field names and level and returns the
// root logger writing JSON (or console text) to out.
func Build(cfg Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "timestamp"
	zerolog.MessageFieldName = "msg"
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	base := zerolog.New(out)
	if cfg.SampleN > 1 {
		base = base.Sample(&zerolog.BasicSampler{N: uint32(min(cfg.SampleN, math.MaxInt32))})
	}

	zc := base.With().Timestamp()
	if cfg.Component != "" {
		zc = zc.Str("component", cfg.Component)
	}
	return zc.Logger()
}

func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// FromContext returns a child of parent carrying the fields stored in ctx.
// A nil parent discards output.
func FromContext(ctx context.Context, parent *zerolog.Logger) *zerolog.Logger {
	base := zerolog.Nop()
	if parent != nil {
		base = *parent
	}
	f := from(ctx)
	if f == (fields{}) {
		return &base
	}
	zc := base.With()
	str := func(k, v string) {
		if v != "" {
			zc = zc.Str(k, v)
		}
	}
	str("request_id", f.requestID)
	str("component", f.component)
	str("hit_class", f.hitClass)
	str("tile_key", f.tileKey)
	str("job_id", f.jobID)
	if f.attempt > 0 {
		zc = zc.Int("attempt", f.attempt)
	}
	l := zc.Logger()
	return &l
}
