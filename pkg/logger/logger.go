package logger

import (
	"bytes"
	"log/slog"
	"os"
)

// Can be one of:
//   - Prod
//   - Dev
//   - Staging
type Enviroment int

const (
	_ Enviroment = iota
	Prod
	Dev
	Staging
)

// NewLogger creates new slog.Logger and return pointer to it
func NewLogger(env Enviroment, addSource bool) *slog.Logger {
	var level slog.Level

	switch env {
	case Prod, Staging:
		level = slog.LevelInfo
	case Dev:
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: addSource,
		Level:     level,
	})
	return slog.New(h)
}

// NewTestLogger returns a logger writing to an in-memory buffer,
// together with the buffer itself. Used in tests.
func NewTestLogger() (*bytes.Buffer, *slog.Logger) {
	buf := &bytes.Buffer{}
	h := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return buf, slog.New(h)
}

// ErrAttr wraps an error into a slog string attribute.
func ErrAttr(err error) slog.Attr {
	return slog.String("error", err.Error())
}
