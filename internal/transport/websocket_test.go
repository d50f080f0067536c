package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newEchoWSServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocket_EchoRoundTrip(t *testing.T) {
	srv := newEchoWSServer(t)
	defer srv.Close()

	tr := NewWebsocket(WebsocketConfig{Provider: "test", URL: wsURL(srv)})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Close()

	msg := []byte(`{"jsonrpc":"2.0","id":9,"method":"ping"}`)
	if err := tr.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-tr.Messages():
		if string(got) != string(msg) {
			t.Errorf("received %q, want %q", got, msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echoed message")
	}
}

func TestWebsocket_DialFailure(t *testing.T) {
	tr := NewWebsocket(WebsocketConfig{Provider: "test", URL: "ws://127.0.0.1:1/nope"})
	if err := tr.Start(context.Background()); err == nil {
		t.Error("Start against a dead endpoint should fail")
	}
}

func TestWebsocket_ServerCloseSignalsDone(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	tr := NewWebsocket(WebsocketConfig{Provider: "test", URL: wsURL(srv)})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after server hangup")
	}
	if tr.Err() == nil {
		t.Error("Err should report the stream failure")
	}
}
