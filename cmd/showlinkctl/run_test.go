package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/showlink/internal/protocol/wire"
	"github.com/danmuck/showlink/internal/testutil/testlog"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// showServer reports timer 0.1.3, answers every subscription with a value
// and acks messages with their own payload.
func showServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			env, err := wire.Decode(data)
			if err != nil {
				return
			}
			var reply wire.Envelope
			switch env.Type {
			case wire.TypeBundlesRequest:
				reply = wire.Manifest(map[string]string{"timer": "0.1.3"})
			case wire.TypeSubscribe:
				reply = wire.ReplicantValue(env.Bundle, env.Name, json.RawMessage(`42`))
			case wire.TypeMessage:
				if env.Name == "explode" {
					reply = wire.AckError(env.ID, "timer exploded")
				} else {
					reply = wire.Ack(env.ID, env.Payload)
				}
			default:
				continue
			}
			out, _ := wire.Encode(reply)
			if err := ws.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func configFor(t *testing.T, srv *httptest.Server) serviceConfig {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	host, portText, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portText)

	dir := t.TempDir()
	bundles := filepath.Join(dir, "bundles.toml")
	writeFile(t, bundles, "[[bundle]]\nname = \"timer\"\nversion = \"^0.1.0\"\nreplicants = [\"remaining\"]\n")
	path := filepath.Join(dir, "showlink.toml")
	writeFile(t, path, fmt.Sprintf("host = %q\nport = %d\ninstance = %q\n[backoff]\ninitial = \"10ms\"\nmax = \"50ms\"\n", host, port, t.Name()))
	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSendCommandPrintsAck(t *testing.T) {
	testlog.Start(t)
	cfg := configFor(t, showServer(t))

	var out syncBuffer
	err := sendCommand(context.Background(), cfg, testLogger(), &out, sendArgs{
		bundle:  "timer",
		command: "start",
		payload: `{"seconds":30}`,
		wait:    2 * time.Second,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != `{"seconds":30}` {
		t.Fatalf("unexpected ack output: %q", got)
	}

	err = sendCommand(context.Background(), cfg, testLogger(), &out, sendArgs{
		bundle:  "timer",
		command: "explode",
		wait:    2 * time.Second,
	})
	if err == nil || !strings.Contains(err.Error(), "timer exploded") {
		t.Fatalf("expected rejection, got %v", err)
	}

	if err := sendCommand(context.Background(), cfg, testLogger(), &out, sendArgs{
		bundle: "timer", command: "start", payload: "{nope", wait: time.Second,
	}); err == nil {
		t.Fatalf("expected invalid payload error")
	}
}

func TestSendCommandTimesOutWithoutServer(t *testing.T) {
	testlog.Start(t)
	srv := showServer(t)
	cfg := configFor(t, srv)
	srv.Close()

	err := sendCommand(context.Background(), cfg, testLogger(), &syncBuffer{}, sendArgs{
		bundle: "timer", command: "start", wait: 100 * time.Millisecond,
	})
	if !errors.Is(err, errNotLive) {
		t.Fatalf("expected errNotLive, got %v", err)
	}
}

func TestWatchPrintsReplicantValues(t *testing.T) {
	testlog.Start(t)
	cfg := configFor(t, showServer(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- watchReplicants(ctx, cfg, testLogger(), &out) }()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "timer/remaining 42") {
		if time.Now().After(deadline) {
			t.Fatalf("watch output missing value: %q", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !strings.Contains(out.String(), "bundle timer compatible") {
		t.Fatalf("watch output missing negotiation: %q", out.String())
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop")
	}
}

func TestRunServiceStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	cfg := configFor(t, showServer(t))
	cfg.AdminAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runService(ctx, cfg, testLogger()) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not stop")
	}
}
