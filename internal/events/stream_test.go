package events

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestEmitStampsTime(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	before := time.Now()
	b.Emit(SourceAgent, KindLLMCall, map[string]any{"round": 1})

	got := <-ch
	if got.Timestamp.Before(before) || got.Kind != KindLLMCall || got.Data["round"] != 1 {
		t.Errorf("got %+v", got)
	}

	var nilBus *Bus
	nilBus.Emit(SourceAgent, KindLLMCall, nil)
}

func TestStreamHandler(t *testing.T) {
	b := New()
	srv := httptest.NewServer(StreamHandler(b, nil))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?source=agent"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for the handler to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Emit(SourceConnwatch, KindServiceState, map[string]any{"service": "redis", "ready": false})
	b.Emit(SourceAgent, KindCommand, map[string]any{"run_id": "r1", "command": "google"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.Source != SourceAgent || e.Kind != KindCommand || e.Data["command"] != "google" {
		t.Errorf("event = %+v", e)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for b.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream did not unsubscribe after client closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamHandler_RejectsPlainHTTP(t *testing.T) {
	srv := httptest.NewServer(StreamHandler(New(), nil))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
