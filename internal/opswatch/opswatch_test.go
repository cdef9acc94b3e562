package opswatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// dialIgnoringPongs establishes a websocket connection and disables
// automatic ping handling so the test can assert on raw frames
// without the client library intercepting them first.
func dialIgnoringPongs(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	conn.SetPingHandler(func(string) error { return nil })
	return conn, resp, nil
}

type fakeSnapshot struct {
	Connections int `json:"connections"`
}

func TestWatchBroadcastsSnapshotsToConnectedClients(t *testing.T) {
	watch := NewWatch(nil, StatsProviderFunc(func() any {
		return fakeSnapshot{Connections: 3}
	}))
	defer watch.Close()

	server := httptest.NewServer(http.HandlerFunc(watch.ServeHTTP))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/watch"
	conn, _, err := dialIgnoringPongs(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}

	var got fakeSnapshot
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Connections != 3 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestWatchDeregistersOnClose(t *testing.T) {
	watch := NewWatch(nil, StatsProviderFunc(func() any { return fakeSnapshot{} }))
	defer watch.Close()

	server := httptest.NewServer(http.HandlerFunc(watch.ServeHTTP))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/watch"
	conn, _, err := dialIgnoringPongs(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read message: %v", err)
	}
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		watch.mu.Lock()
		n := len(watch.clients)
		watch.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected client to be deregistered after close")
}
