package csms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

var testUpgrader = websocket.Upgrader{}

// newFeedServer serves one websocket connection and writes the given raw
// frames to it, then holds the connection open.
func newFeedServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		// Keep reading until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestListenerDeliversEventsInOrder(t *testing.T) {
	frames := []string{
		`{"type":"init","charge_points":[]}`,
		`{"type":"log","data":{"action":"StartTransaction","cp_id":"TACT30KW","direction":"in","data":{"txnId":7,"idTag":"UABC","connector":"1","meterStart":100}}}`,
		`{"type":"log","data":{"action":"Bogus","cp_id":"TACT30KW","data":{}}}`,
		`not json at all`,
		`{"type":"log","data":{"action":"StatusNotification","cp_id":"TACT30KW","data":{"connector":2,"status":"Available","error":"NoError"}}}`,
	}
	server := newFeedServer(t, frames)
	defer server.Close()

	events := make(chan Event, 8)
	listener := NewListener(wsURL(server), events, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	first := receiveEvent(t, events)
	start, ok := first.(StartTransactionEvent)
	if !ok {
		t.Fatalf("first event = %T, want StartTransactionEvent", first)
	}
	if start.TransactionID != 7 || start.ConnectorID != 1 || start.MeterStart != 100 {
		t.Fatalf("start event = %+v", start)
	}

	second := receiveEvent(t, events)
	status, ok := second.(StatusNotificationEvent)
	if !ok {
		t.Fatalf("second event = %T, want StatusNotificationEvent", second)
	}
	if status.ConnectorID != 2 || status.Status != StatusAvailable {
		t.Fatalf("status event = %+v", status)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop after cancel")
	}
}

func receiveEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}
