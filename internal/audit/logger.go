// Package audit emits structured observer events for session lifecycle and
// policy decisions. Observers never alter control flow.
package audit

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventSessionStart      EventType = "session_start"
	EventSessionConnected  EventType = "session_connected"
	EventSessionMigrated   EventType = "session_migrated"
	EventSessionDisconnect EventType = "session_disconnect"
	EventSessionRetry      EventType = "session_retry"
	EventRetryExhausted    EventType = "retry_exhausted"
	EventMessageSent       EventType = "message_sent"
	EventRateLimitExceed   EventType = "rate_limit_exceeded"
	EventComplianceFlag    EventType = "compliance_flag"
)

type Event struct {
	Type      EventType
	SessionID string
	TenantID  int64
	Details   map[string]interface{}
}

func Log(event Event) {
	logger := log.With().
		Str("audit", "session").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.SessionID != "" {
		logger = logger.With().Str("sessionId", event.SessionID).Logger()
	}
	if event.TenantID != 0 {
		logger = logger.With().Int64("tenantId", event.TenantID).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("session audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}
