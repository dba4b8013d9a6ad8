package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dusted-go/logging/prettylog"
	"github.com/mattn/go-isatty"
	slogformatter "github.com/samber/slog-formatter"
)

// newLogger returns the operational logger writing to w. Colors are only
// used when w is a terminal.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var color prettylog.Option = func(_ *prettylog.Handler) {}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		color = prettylog.WithColor()
	}

	return slog.New(
		slogformatter.NewFormatterHandler(
			slogformatter.FormatByType(func(s []string) slog.Value {
				return slog.StringValue(strings.Join(s, ","))
			}),
		)(
			prettylog.New(&slog.HandlerOptions{Level: level},
				prettylog.WithDestinationWriter(w),
				color,
			),
		),
	)
}
