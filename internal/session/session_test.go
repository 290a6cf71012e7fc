package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/eviqo/eviqo-mqtt-bridge/internal/codec"
)

// newLoopbackSession dials a local WebSocket echo-ish test server and
// returns a Session with its conn already set, bypassing Connect/Handshake
// so tests can exercise sendAwait/dispatch/SendCommand directly.
func newLoopbackSession(t *testing.T, cb Callbacks, serverHandler func(*websocket.Conn)) *Session {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("server upgrade: %v", err)
		}
		go serverHandler(conn)
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + server.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	s := &Session{
		email:    "test@example.com",
		password: "hunter2",
		cb:       cb,
		log:      zap.NewNop(),
		pending:  make(map[uint16]chan codec.Frame),
		conn:     conn,
	}
	now := time.Now()
	s.lastSendAt = now
	s.lastRecvAt = now
	return s
}

func TestSendAwaitReceivesMatchingResponse(t *testing.T) {
	s := newLoopbackSession(t, Callbacks{}, func(conn *websocket.Conn) {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := codec.DecodeFrame(raw)
		if err != nil {
			return
		}
		resp, _ := codec.EncodeFrame(codec.OpLogin, frame.Header.MsgID, map[string]string{"email": "test@example.com"})
		_ = conn.WriteMessage(websocket.BinaryMessage, resp)
	})

	go s.readLoop(context.Background())

	frame, err := s.sendAwait(context.Background(), codec.OpLogin, map[string]string{"email": "test@example.com"}, time.Second)
	if err != nil {
		t.Fatalf("sendAwait: %v", err)
	}
	if !frame.IsJSON {
		t.Fatalf("expected JSON response, got %+v", frame)
	}
}

func TestSendAwaitTimesOutWithoutResponse(t *testing.T) {
	s := newLoopbackSession(t, Callbacks{}, func(conn *websocket.Conn) {
		// Never responds.
		_, _, _ = conn.ReadMessage()
	})

	_, err := s.sendAwait(context.Background(), codec.OpLogin, nil, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestDispatchRoutesWidgetUpdateToCallback(t *testing.T) {
	var gotDevice, gotPin, gotValue string
	cb := Callbacks{
		OnWidgetUpdate: func(deviceID, pin, value string) {
			gotDevice, gotPin, gotValue = deviceID, pin, value
		},
	}
	s := newLoopbackSession(t, cb, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})

	raw, err := codec.EncodeFrame(codec.OpWidgetUpdate, 1, []byte("51627\x00vw\x005\x00241.29"))
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	frame, err := codec.DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}

	s.dispatch(frame)

	if gotDevice != "51627" || gotPin != "5" || gotValue != "241.29" {
		t.Fatalf("callback got (%q,%q,%q)", gotDevice, gotPin, gotValue)
	}
}

func TestSendCommandFiresOnCommandSentSynchronously(t *testing.T) {
	called := false
	cb := Callbacks{
		OnCommandSent: func(deviceID, pin, value string) {
			called = true
			if deviceID != "51627" || pin != "15" || value != "2" {
				t.Fatalf("unexpected command echo: %s/%s/%s", deviceID, pin, value)
			}
		},
	}
	s := newLoopbackSession(t, cb, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})

	if err := s.SendCommand("51627", "15", "2"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if !called {
		t.Fatal("expected OnCommandSent to be called synchronously")
	}
}

func TestCounterAllocatesDistinctIDsAcrossCalls(t *testing.T) {
	s := newLoopbackSession(t, Callbacks{}, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	seen := make(map[uint16]bool)
	for i := 0; i < 10; i++ {
		id := s.counter.Next()
		if seen[id] {
			t.Fatalf("duplicate msgId %d", id)
		}
		seen[id] = true
	}
}
