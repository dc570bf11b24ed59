// Package logging provides a colorized, human-readable slog.Handler for
// the CLI binaries; JSON output is left to slog.NewJSONHandler directly
// when a caller wants machine-readable logs instead.
package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var bufPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// PrettyHandlerOptions configures a PrettyHandler.
type PrettyHandlerOptions struct {
	SlogOpts       slog.HandlerOptions
	UseColor       bool
	ShowSource     bool
	TimeFormat     string
	LevelWidth     int
	FieldSeparator string
}

func DefaultOptions() PrettyHandlerOptions {
	return PrettyHandlerOptions{
		SlogOpts:       slog.HandlerOptions{Level: slog.LevelInfo},
		UseColor:       true,
		ShowSource:     false,
		TimeFormat:     time.RFC3339,
		LevelWidth:     7,
		FieldSeparator: " | ",
	}
}

// PrettyHandler formats log records as a single colorized line: time,
// level, optional source, message, and any attributes as compact JSON.
// Unlike a handler built for a GUI event stream, it does not nest
// WithGroup state into the rendered output; groups only prefix attribute
// keys, since these binaries only ever write to a terminal or file.
type PrettyHandler struct {
	opts   PrettyHandlerOptions
	writer io.Writer
	mu     *sync.Mutex
	prefix string
	attrs  []slog.Attr

	colorTime    func(...any) string
	colorLevel   map[slog.Level]func(...any) string
	colorMessage func(...any) string
	colorSource  func(...any) string
	colorFields  func(...any) string
}

func NewPrettyHandler(w io.Writer, opts *PrettyHandlerOptions) *PrettyHandler {
	if opts == nil {
		d := DefaultOptions()
		opts = &d
	}
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.RFC3339
	}
	if opts.LevelWidth < 5 {
		opts.LevelWidth = 7
	}
	if opts.FieldSeparator == "" {
		opts.FieldSeparator = " | "
	}

	h := &PrettyHandler{opts: *opts, writer: w, mu: &sync.Mutex{}}
	h.initColorFuncs()
	return h
}

func (h *PrettyHandler) initColorFuncs() {
	if !h.opts.UseColor {
		noColor := func(a ...any) string { return fmt.Sprint(a...) }
		h.colorTime, h.colorMessage, h.colorSource, h.colorFields = noColor, noColor, noColor, noColor
		h.colorLevel = map[slog.Level]func(...any) string{
			slog.LevelDebug: noColor, slog.LevelInfo: noColor, slog.LevelWarn: noColor, slog.LevelError: noColor,
		}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorMessage = color.New(color.FgCyan).SprintFunc()
	h.colorSource = color.New(color.FgHiBlack).SprintFunc()
	h.colorFields = color.New(color.FgWhite).SprintFunc()
	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed).SprintFunc(),
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.SlogOpts.Level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() { buf.Reset(); bufPool.Put(buf) }()

	h.mu.Lock()
	defer h.mu.Unlock()

	buf.WriteString(h.colorTime(r.Time.Format(h.opts.TimeFormat)))
	buf.WriteString(h.opts.FieldSeparator)

	buf.WriteString(h.formatLevel(r.Level))
	buf.WriteString(h.opts.FieldSeparator)

	if h.opts.ShowSource {
		if src := h.extractSource(r.PC); src != "" {
			buf.WriteString(h.colorSource(src))
			buf.WriteString(h.opts.FieldSeparator)
		}
	}

	buf.WriteString(h.colorMessage(r.Message))

	fields := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		addAttribute(fields, h.prefix, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttribute(fields, h.prefix, a)
		return true
	})

	if len(fields) > 0 {
		buf.WriteString(h.opts.FieldSeparator)
		encoded, err := json.Marshal(fields)
		if err != nil {
			buf.WriteString(fmt.Sprintf("(error formatting attributes: %v)", err))
		} else {
			buf.WriteString(h.colorFields(string(encoded)))
		}
	}

	buf.WriteByte('\n')
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	nh := &PrettyHandler{opts: h.opts, writer: h.writer, mu: &sync.Mutex{}, prefix: h.prefix}
	nh.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	nh.initColorFuncs()
	return nh
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	nh := &PrettyHandler{opts: h.opts, writer: h.writer, mu: &sync.Mutex{}, attrs: append([]slog.Attr(nil), h.attrs...)}
	if h.prefix == "" {
		nh.prefix = name
	} else {
		nh.prefix = h.prefix + "." + name
	}
	nh.initColorFuncs()
	return nh
}

func (h *PrettyHandler) formatLevel(level slog.Level) string {
	s := strings.ToUpper(level.String())
	if h.opts.LevelWidth > 0 {
		s = fmt.Sprintf("%-*s", h.opts.LevelWidth, s)
	}
	if f, ok := h.colorLevel[level]; ok {
		return f(s)
	}
	return s
}

func (h *PrettyHandler) extractSource(pc uintptr) string {
	if pc == 0 {
		return ""
	}
	frames := runtime.CallersFrames([]uintptr{pc})
	frame, _ := frames.Next()
	if frame.Function == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}

func addAttribute(fields map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	switch v.Kind() {
	case slog.KindTime:
		fields[key] = v.Time().Format(time.RFC3339)
	case slog.KindDuration:
		fields[key] = v.Duration().String()
	default:
		fields[key] = v.Any()
	}
}
