package logger

import (
	"github.com/ThreeDotsLabs/watermill"
)

// WatermillLogger adapts Logger to watermill.LoggerAdapter
type WatermillLogger struct {
	l      *Logger
	fields watermill.LogFields
}

func (w *WatermillLogger) kv(fields watermill.LogFields) []interface{} {
	merged := w.fields.Add(fields)
	out := make([]interface{}, 0, len(merged)*2)
	for k, v := range merged {
		out = append(out, k, v)
	}
	return out
}

func (w *WatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.l.Errorw(msg, append(w.kv(fields), "error", err)...)
}

func (w *WatermillLogger) Info(msg string, fields watermill.LogFields) {
	w.l.Infow(msg, w.kv(fields)...)
}

func (w *WatermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.l.Debugw(msg, w.kv(fields)...)
}

func (w *WatermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.l.Debugw(msg, w.kv(fields)...)
}

func (w *WatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillLogger{l: w.l, fields: w.fields.Add(fields)}
}
