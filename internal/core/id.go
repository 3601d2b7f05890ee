package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type SessionID string

type CellID string

type HistoryID string

type RequestID string

func NewSessionID() SessionID {
	return SessionID("sess_" + strings.ToLower(ulid.Make().String()))
}

func NewCellID() CellID {
	return CellID("cell_" + uuid.NewString())
}

func NewHistoryID() HistoryID {
	return HistoryID("hist_" + strings.ToLower(ulid.Make().String()))
}

func NewRequestID() RequestID {
	return RequestID("req_" + uuid.NewString())
}

// Topic returns the broadcast topic that scopes messages to one session.
func (id SessionID) Topic() string {
	return "session:" + string(id)
}

// SessionFromTopic extracts the session ID from a "session:<id>" topic.
func SessionFromTopic(topic string) (SessionID, bool) {
	rest, ok := strings.CutPrefix(topic, "session:")
	if !ok || rest == "" {
		return "", false
	}
	return SessionID(rest), true
}

// CreatedAt decodes the creation time embedded in a ULID-based identifier.
func CreatedAt(id string) time.Time {
	idx := strings.LastIndexByte(id, '_')
	if idx < 0 {
		return time.Time{}
	}

	parsed, err := ulid.ParseStrict(strings.ToUpper(id[idx+1:]))
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(parsed.Time())
}
