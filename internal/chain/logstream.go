package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Program Log Stream — persistent logsSubscribe over websocket
// ---------------------------------------------------------------------------

// logStream maintains one websocket subscription for one program, with
// automatic reconnect and exponential backoff. Events flow on a buffered
// channel; a full channel drops the event rather than stalling the reader.
type logStream struct {
	config    ClientConfig
	programID Pubkey

	events chan LogEvent
	closed atomic.Bool

	// Stats.
	messagesRecv atomic.Int64
	eventsSent   atomic.Int64
	reconnects   atomic.Int64
}

func newLogStream(config ClientConfig, programID Pubkey) *logStream {
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 1 * time.Second
	}
	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}
	return &logStream{
		config:    config,
		programID: programID,
		events:    make(chan LogEvent, 256),
	}
}

// Start launches the subscription loop and returns the event channel. The
// channel closes when ctx is cancelled.
func (s *logStream) Start(ctx context.Context) (<-chan LogEvent, error) {
	if s.config.WSEndpoint == "" {
		return nil, fmt.Errorf("chain: websocket endpoint not configured")
	}
	go s.runLoop(ctx)
	return s.events, nil
}

func (s *logStream) runLoop(ctx context.Context) {
	defer func() {
		if s.closed.CompareAndSwap(false, true) {
			close(s.events)
		}
	}()

	delay := s.config.ReconnectDelay
	const maxDelay = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := s.connect(ctx)
		if err != nil {
			log.Warn().Err(err).
				Str("program", shortKey(s.programID)).
				Msg("logstream: connection failed")
			s.reconnects.Add(1)

			select {
			case <-time.After(delay):
				delay *= 2
				if delay > maxDelay {
					delay = maxDelay
				}
			case <-ctx.Done():
				return
			}
			continue
		}

		delay = s.config.ReconnectDelay
		s.readLoop(ctx, conn)
		conn.Close()
	}
}

func (s *logStream) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.config.WSEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("logstream: dial: %w", err)
	}

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "logsSubscribe",
		"params": []any{
			map[string]any{"mentions": []string{string(s.programID)}},
			map[string]any{"commitment": "confirmed"},
		},
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("logstream: subscribe: %w", err)
	}

	log.Info().
		Str("program", shortKey(s.programID)).
		Str("endpoint", s.config.WSEndpoint).
		Msg("logstream: subscribed")
	return conn, nil
}

func (s *logStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	pingTicker := time.NewTicker(s.config.PingInterval)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && ctx.Err() == nil {
				log.Warn().Err(err).
					Str("program", shortKey(s.programID)).
					Msg("logstream: read error, reconnecting")
			}
			return
		}

		s.messagesRecv.Add(1)
		s.handleMessage(message)
	}
}

func (s *logStream) handleMessage(data []byte) {
	var notification struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Context struct {
					Slot uint64 `json:"slot"`
				} `json:"context"`
				Value struct {
					Signature string   `json:"signature"`
					Logs      []string `json:"logs"`
					Err       any      `json:"err"`
				} `json:"value"`
			} `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &notification); err != nil {
		return
	}
	if notification.Method != "logsNotification" {
		return
	}
	if notification.Params.Result.Value.Err != nil {
		return // failed transactions carry no tradable event
	}

	event := LogEvent{
		ProgramID:  s.programID,
		Signature:  Signature(notification.Params.Result.Value.Signature),
		Slot:       notification.Params.Result.Context.Slot,
		Logs:       notification.Params.Result.Value.Logs,
		ReceivedAt: time.Now(),
	}

	if s.closed.Load() {
		return
	}
	select {
	case s.events <- event:
		s.eventsSent.Add(1)
	default:
		log.Warn().Str("program", shortKey(s.programID)).
			Msg("logstream: event channel full, dropping")
	}
}

func shortKey(k Pubkey) string {
	if len(k) > 8 {
		return string(k[:8])
	}
	return string(k)
}
