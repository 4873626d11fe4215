// Package audit writes structured audit events for card lifecycle changes
// and transfers, correlated by request id.
package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"cardvault.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID extracts the request id from context, if any.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent emits one audit entry. Event names are dotted, e.g.
// "card.created", "transfer.completed".
func LogEvent(ctx context.Context, event string, fields logrus.Fields) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := obs.Logger().WithField("type", "audit").WithField("event", event)
	if rid := RequestID(ctx); rid != "" {
		entry = entry.WithField("request_id", rid)
	}
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Info(event)
	return nil
}
