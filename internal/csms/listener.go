package csms

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Reconnect policy for the feed connection. Linear backoff capped at a
// ceiling, with a finite attempt budget; the counter resets after a
// successful connect.
const (
	reconnectBaseDelay   = 5 * time.Second
	reconnectMaxDelay    = 30 * time.Second
	maxReconnectAttempts = 10
	statusRefreshDelay   = 2 * time.Second
)

// ErrReconnectBudgetExhausted is returned when the listener gives up on the feed.
var ErrReconnectBudgetExhausted = errors.New("csms: reconnect budget exhausted")

// StatusRefresher triggers a connector status re-announcement, used to
// resynchronize after a feed (re)connect.
type StatusRefresher interface {
	RequestStatusRefresh(ctx context.Context, connectorID int) CommandResult
}

// Listener consumes the CSMS event feed and delivers decoded events in
// arrival order to the events channel.
type Listener struct {
	url       string
	events    chan<- Event
	refresher StatusRefresher
	logger    *zap.Logger

	dial func(ctx context.Context, url string) (*websocket.Conn, error)
}

// NewListener builds a feed listener writing to events.
func NewListener(url string, events chan<- Event, refresher StatusRefresher, logger *zap.Logger) *Listener {
	return &Listener{
		url:       url,
		events:    events,
		refresher: refresher,
		logger:    logger,
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

// Run connects and reads the feed until the context is cancelled or the
// reconnect budget runs out.
func (l *Listener) Run(ctx context.Context) error {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := l.dial(ctx, l.url)
		if err != nil {
			attempts++
			if attempts >= maxReconnectAttempts {
				l.logger.Error("csms feed unreachable, giving up", zap.Error(err))
				return ErrReconnectBudgetExhausted
			}
			delay := reconnectBaseDelay * time.Duration(attempts)
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			l.logger.Warn("csms feed connect failed, retrying",
				zap.Int("attempt", attempts),
				zap.Duration("delay", delay),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		attempts = 0
		l.logger.Info("csms feed connected", zap.String("url", l.url))
		l.scheduleStatusRefresh(ctx)

		if err := l.readLoop(ctx, conn); err != nil && ctx.Err() == nil {
			l.logger.Warn("csms feed disconnected", zap.Error(err))
		}
		_ = conn.Close()
	}
}

// scheduleStatusRefresh asks the controller to re-announce all connector
// statuses shortly after connecting, once the connection has settled.
func (l *Listener) scheduleStatusRefresh(ctx context.Context) {
	if l.refresher == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(statusRefreshDelay):
		}
		if result := l.refresher.RequestStatusRefresh(ctx, 0); !result.Accepted() {
			l.logger.Warn("status refresh trigger failed", zap.String("reason", result.Reason))
		}
	}()
}

func (l *Listener) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// Unblock ReadMessage when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame feedFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			l.logger.Warn("malformed feed frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case frameInit:
			l.logger.Info("csms feed init", zap.Int("charge_points", len(frame.ChargePoints)))
			continue
		case frameLog:
		default:
			continue
		}

		event, err := decodeEvent(frame.Data.Action, frame.Data.CPID, frame.Data.Data)
		if err != nil {
			l.logger.Warn("dropping feed event",
				zap.String("action", frame.Data.Action),
				zap.Error(err))
			continue
		}

		select {
		case l.events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
