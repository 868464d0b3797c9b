package remote

import (
	"encoding/json"
	"time"

	"github.com/pairbook/pairbook/internal/ledger"
)

// LedgerRow is the hosted-store row holding one pairing session's ledger.
// One row per pairing id, upserted whole.
type LedgerRow struct {
	ID        string        `json:"id"`
	Data      ledger.Ledger `json:"data"`
	UpdatedAt time.Time     `json:"updated_at,omitempty"`
}

// MessageRow is a chat row. Content carries the "ivBase64:cipherBase64"
// payload, or legacy plaintext for rows written before encryption.
type MessageRow struct {
	ID        string       `json:"id"`
	SyncID    string       `json:"sync_id"`
	Sender    ledger.Party `json:"sender"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
}

// Event is a decoded realtime change notification for one row.
type Event struct {
	// Table the change happened in: "ledgers" or "messages".
	Table string

	// Type of change: "INSERT" or "UPDATE". The core never deletes rows.
	Type string

	// Record is the raw row payload, decoded by the consumer for its table.
	Record json.RawMessage
}

// EventHandler receives realtime events. Called from the subscriber's
// read loop; handlers hand the event off rather than block.
type EventHandler func(Event)

// --- realtime wire frames ---

// outboundFrame is a channel-protocol frame sent to the realtime endpoint
// (join, heartbeat).
type outboundFrame struct {
	Topic   string         `json:"topic"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref"`
}

// changePayload is the payload of an inbound "postgres_changes" frame.
type changePayload struct {
	Data struct {
		Table  string          `json:"table"`
		Type   string          `json:"type"`
		Record json.RawMessage `json:"record"`
	} `json:"data"`
}
