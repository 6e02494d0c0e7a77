// Package audit emits the security-event stream: one structured JSON line
// per security-relevant action, enriched with request and actor context.
// The per-account retention-capped audit log lives on the admin.Account
// aggregate; this stream is the operational mirror of it.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"zettanote.org/internal/obs"
	"zettanote.org/internal/stream"
)

var events = stream.New()

// Events exposes the live security-event stream fed by LogEvent.
func Events() *stream.Stream { return events }

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	actorIDKey   ctxKey = "audit_actor_id"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithActor attaches the authenticated admin account id to the context.
func WithActor(ctx context.Context, accountID string) context.Context {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorIDKey, accountID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func actorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(actorIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes one audit stream entry. Failures here never affect the
// outcome of the operation being audited; callers ignore the error unless
// they have nothing better to report.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if actor := actorFromContext(ctx); actor != "" {
		entry["actor_id"] = actor
	}
	if len(fields) > 0 {
		copyFields := make(map[string]any, len(fields))
		for k, v := range fields {
			copyFields[k] = v
		}
		entry["fields"] = copyFields
	} else {
		entry["fields"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))

	events.Publish(stream.Event{
		Timestamp: time.Now().UTC(),
		Event:     event,
		ActorID:   actorFromContext(ctx),
		RequestID: requestIDFromContext(ctx),
		Fields:    fields,
	})
	return nil
}
