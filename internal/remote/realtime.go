package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// heartbeatInterval keeps the channel alive; hosted realtime
	// endpoints drop connections idle for ~60s.
	heartbeatInterval = 25 * time.Second

	// realtimeReadLimit bounds a single inbound frame. A full ledger row
	// is well under 1MB; 8MB leaves generous headroom.
	realtimeReadLimit = 8 * 1024 * 1024

	// inboundChanSize buffers frames between the reader goroutine and
	// the session loop.
	inboundChanSize = 64

	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied after each consecutive connection failure.
	reconnectBackoffMultiplier = 2

	// jitterDivisor controls the random jitter added to reconnect
	// backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2
)

// wsConn abstracts the websocket connection so the subscriber can be
// tested without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type dialFunc func(ctx context.Context) (wsConn, error)

// inboundFrame wraps a frame read from the websocket by the reader goroutine.
type inboundFrame struct {
	data []byte
	err  error
}

// Subscriber maintains a long-lived realtime channel scoped to a pairing
// id and delivers remote row changes to a handler, independent of the
// local edit path.
type Subscriber struct {
	baseURL string
	apiKey  string
	logger  *slog.Logger

	// dial is swapped in tests to inject a fake connection.
	dial dialFunc

	// minBackoff is the reconnect starting backoff, lowered in tests so
	// the redial path runs fast.
	minBackoff time.Duration
}

// NewSubscriber creates a realtime subscriber for the given row-store
// endpoint.
func NewSubscriber(baseURL, apiKey string, logger *slog.Logger) *Subscriber {
	s := &Subscriber{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		logger:     logger,
		minBackoff: reconnectMin,
	}
	s.dial = s.dialWebsocket

	return s
}

// Subscribe opens the realtime channel for a pairing id and invokes fn
// for every ledger or message change pushed for that id, including the
// device's own just-written rows (the merge layer absorbs self-echoes).
//
// The initial connection is established synchronously so configuration
// errors surface to the caller; afterwards the channel reconnects with
// exponential backoff until cancelled. The returned unsubscribe function
// is idempotent and must be called when the pairing id changes or the
// session ends, so no channel stays bound to a stale id.
func (s *Subscriber) Subscribe(ctx context.Context, pairingID string, fn EventHandler) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	conn, err := s.connect(subCtx, pairingID)
	if err != nil {
		cancel()
		return nil, err
	}

	go s.run(subCtx, conn, pairingID, fn)

	return cancel, nil
}

// run is the session loop: one connected session at a time, redialing
// after failures until the context is cancelled. session only ever
// receives a live connection; all reconnect attempts happen in redial.
func (s *Subscriber) run(ctx context.Context, conn wsConn, pairingID string, fn EventHandler) {
	for {
		err := s.session(ctx, conn, fn)

		conn.Close(websocket.StatusGoingAway, "session ended")

		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("realtime channel lost, reconnecting",
			slog.String("pairing_id", pairingID),
			slog.String("error", err.Error()),
		)

		conn = s.redial(ctx, pairingID)
		if conn == nil {
			return
		}

		s.logger.Info("realtime channel reconnected", slog.String("pairing_id", pairingID))
	}
}

// redial dials with exponential backoff plus jitter until a connection
// is established. Returns nil only when the context is cancelled.
func (s *Subscriber) redial(ctx context.Context, pairingID string) wsConn {
	backoff := s.minBackoff

	for {
		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor))

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		conn, err := s.connect(ctx, pairingID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			s.logger.Warn("realtime reconnect failed",
				slog.String("pairing_id", pairingID),
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)

			continue
		}

		return conn
	}
}

// connect dials the endpoint and joins the ledger and message topics for
// the pairing id.
func (s *Subscriber) connect(ctx context.Context, pairingID string) (wsConn, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}

	for i, topic := range []string{topicLedgers(pairingID), topicMessages(pairingID)} {
		join := outboundFrame{
			Topic:   topic,
			Event:   "phx_join",
			Payload: map[string]any{},
			Ref:     fmt.Sprintf("%d", i+1),
		}

		data, err := json.Marshal(join)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "join encode failed")
			return nil, fmt.Errorf("encoding join frame: %w", err)
		}

		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			conn.Close(websocket.StatusInternalError, "join failed")
			return nil, fmt.Errorf("joining topic %s: %w", topic, err)
		}
	}

	return conn, nil
}

// session reads frames from one connection until it fails or the context
// is cancelled. A reader goroutine feeds the loop so heartbeats are sent
// on time even while no frames arrive.
func (s *Subscriber) session(ctx context.Context, conn wsConn, fn EventHandler) error {
	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	inbound := make(chan inboundFrame, inboundChanSize)

	go func() {
		for {
			_, data, err := conn.Read(connCtx)
			select {
			case inbound <- inboundFrame{data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	heartbeatRef := 0

	for {
		select {
		case frame := <-inbound:
			if frame.err != nil {
				return fmt.Errorf("reading frame: %w", frame.err)
			}

			s.handleFrame(frame.data, fn)

		case <-ticker.C:
			heartbeatRef++
			hb := outboundFrame{
				Topic:   "phoenix",
				Event:   "heartbeat",
				Payload: map[string]any{},
				Ref:     fmt.Sprintf("hb-%d", heartbeatRef),
			}

			data, err := json.Marshal(hb)
			if err != nil {
				return fmt.Errorf("encoding heartbeat: %w", err)
			}

			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return fmt.Errorf("sending heartbeat: %w", err)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleFrame decodes one inbound frame and delivers change events.
// Unparseable or irrelevant frames are skipped, never fatal.
func (s *Subscriber) handleFrame(data []byte, fn EventHandler) {
	event := gjson.GetBytes(data, "event").Str

	switch event {
	case "phx_reply", "phx_close", "presence_state", "system":
		return

	case "postgres_changes":
		var payload changePayload
		if err := json.Unmarshal([]byte(gjson.GetBytes(data, "payload").Raw), &payload); err != nil {
			s.logger.Warn("undecodable change frame", slog.String("error", err.Error()))
			return
		}

		if payload.Data.Table == "" || len(payload.Data.Record) == 0 {
			s.logger.Debug("change frame without record")
			return
		}

		fn(Event{
			Table:  payload.Data.Table,
			Type:   payload.Data.Type,
			Record: payload.Data.Record,
		})

	default:
		s.logger.Debug("unexpected realtime frame", slog.String("event", event))
	}
}

func (s *Subscriber) dialWebsocket(ctx context.Context) (wsConn, error) {
	endpoint := websocketURL(s.baseURL) + "/realtime/v1/websocket?apikey=" + url.QueryEscape(s.apiKey)

	conn, _, err := websocket.Dial(ctx, endpoint, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("dialing realtime endpoint: %w", err)
	}

	conn.SetReadLimit(realtimeReadLimit)

	return conn, nil
}

func topicLedgers(pairingID string) string  { return "realtime:ledgers:" + pairingID }
func topicMessages(pairingID string) string { return "realtime:messages:" + pairingID }

// websocketURL converts the REST base URL scheme to its websocket
// counterpart.
func websocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}

	return base
}
