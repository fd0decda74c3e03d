// Package logger provides request scoped logrus loggers.
//
// Every request gets a logger carrying a request id. After authentication the
// principal is attached, so every log line of a request can be traced back to
// the caller. The logger context can be serialized into queued events and
// restored by the dispatcher.
package logger

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type contextLoggerValues struct {
	RequestID string `json:"requestID"`
	Principal string `json:"principal,omitempty"`
}

// Type for the context keys
type contextKeyRequestLoggerType struct{}

var contextKeyRequestLogger = &contextKeyRequestLoggerType{}

const (
	requestIDLoggerKey string = "requestID"
	principalLoggerKey string = "principal"

	// RequestIDHeader is echoed back on every response
	RequestIDHeader = "X-Request-ID"
)

// InitLogger sets up the formatter and level for all log statements.
func InitLogger(logLevel logrus.Level, jsonFormat bool) {
	if jsonFormat {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		customFormatter := new(logrus.TextFormatter)
		customFormatter.TimestampFormat = "2006-01-02 15:04:05"
		customFormatter.FullTimestamp = true
		logrus.SetFormatter(customFormatter)
	}
	logrus.SetLevel(logLevel)
}

// AddRequestID adds a logger with a request ID to every request. An incoming
// X-Request-ID header is reused if it is a valid uuid.
func AddRequestID(router *mux.Router) {
	reqID := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if id, err := uuid.Parse(r.Header.Get(RequestIDHeader)); err == nil && loggerFromContext(ctx) == nil {
				ctx = context.WithValue(ctx, contextKeyRequestLogger, logrus.WithField(requestIDLoggerKey, id.String()))
			}
			ctx, _ = ContextWithLogger(ctx)
			w.Header().Set(RequestIDHeader, RequestIDFromContext(ctx))
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	router.Use(reqID)
}

// Default returns a logger without a request ID.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ContextWithLogger returns a new context with a logger if the given context has no logger yet. If
// the context already has a logger the given context will be returned.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else if rlog := loggerFromContext(ctx); rlog != nil {
		return ctx, rlog
	}
	rlog := logrus.WithField(requestIDLoggerKey, uuid.NewString())
	return context.WithValue(ctx, contextKeyRequestLogger, rlog), rlog
}

// ContextWithLoggerFromData returns a context with a logger restored from
// data produced by SerializeLoggerContext. Invalid data yields a fresh logger.
func ContextWithLoggerFromData(ctx context.Context, data []byte) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	var values contextLoggerValues
	if err := json.Unmarshal(data, &values); err != nil || values.RequestID == "" {
		ctx, _ = ContextWithLogger(ctx)
		return ctx
	}
	rlog := logrus.WithField(requestIDLoggerKey, values.RequestID)
	if values.Principal != "" {
		rlog = rlog.WithField(principalLoggerKey, values.Principal)
	}
	return context.WithValue(ctx, contextKeyRequestLogger, rlog)
}

func loggerFromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return nil
	}
	rlog, _ := ctx.Value(contextKeyRequestLogger).(*logrus.Entry)
	return rlog
}

// FromContext returns the logger from the context. If the context does not have a logger
// the default logger is returned.
func FromContext(ctx context.Context) *logrus.Entry {
	if rlog := loggerFromContext(ctx); rlog != nil {
		return rlog
	}
	return Default()
}

// ContextWithPrincipal returns a new context whose logger carries the principal.
func ContextWithPrincipal(ctx context.Context, principal string) (context.Context, *logrus.Entry) {
	ctx, rlog := ContextWithLogger(ctx)
	rlog = rlog.WithField(principalLoggerKey, principal)
	return context.WithValue(ctx, contextKeyRequestLogger, rlog), rlog
}

// SerializeLoggerContext returns a json representation of the logger context.
func SerializeLoggerContext(ctx context.Context) []byte {
	values := loggerValues(ctx)
	if values.RequestID == "" {
		return []byte("{}")
	}
	res, err := json.Marshal(values)
	if err != nil {
		return []byte("{}")
	}
	return res
}

// RequestIDFromContext returns the request id for the given context.
func RequestIDFromContext(ctx context.Context) string {
	return loggerValues(ctx).RequestID
}

func loggerValues(ctx context.Context) contextLoggerValues {
	var values contextLoggerValues
	rlog := loggerFromContext(ctx)
	if rlog == nil {
		return values
	}
	values.RequestID, _ = rlog.Data[requestIDLoggerKey].(string)
	values.Principal, _ = rlog.Data[principalLoggerKey].(string)
	return values
}
