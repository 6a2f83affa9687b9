package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/csai/lab-shell/internal/config"
	"github.com/csai/lab-shell/internal/relay"
	"github.com/csai/lab-shell/internal/session"
	"github.com/csai/lab-shell/internal/state"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LAB_SHELL_CONFIG_FILE", "")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConnectionsCommandListsDefaults(t *testing.T) {
	out, err := runCmd(t, "connections")
	if err != nil {
		t.Fatalf("connections: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header and 3 rows, got:\n%s", out)
	}
	if !strings.HasPrefix(lines[1], "ubuntu-ssh") || !strings.Contains(lines[3], "windows-rdp-target") {
		t.Fatalf("unexpected table:\n%s", out)
	}
}

func TestTokenCommand(t *testing.T) {
	out, err := runCmd(t, "token", "ubuntu-ssh")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if _, err := base64.StdEncoding.DecodeString(strings.TrimSpace(out)); err != nil {
		t.Fatalf("token is not base64: %q", out)
	}
	if _, err := runCmd(t, "token", "nope"); err == nil {
		t.Fatal("expected unknown connection error")
	}
}

func relayConfig(t *testing.T, handler http.HandlerFunc) config.Config {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	cfg := config.Default()
	cfg.ListenEndpoint.Host = host
	cfg.ListenEndpoint.Port, _ = strconv.Atoi(port)
	return cfg
}

func TestRunConnectUntilRelayDisconnects(t *testing.T) {
	up := websocket.Upgrader{Subprotocols: []string{relay.Subprotocol}}
	cfg := relayConfig(t, func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("0.,4.abcd;4.size,1.0,4.1024,3.768;4.sync,1.1;"))
		_, _, _ = conn.ReadMessage()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("10.disconnect;"))
		_, _, _ = conn.ReadMessage()
	})
	st, err := state.New(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := runConnect(context.Background(), cfg, st, connectOptions{ID: "ubuntu-ssh", Size: session.Size{Width: 512, Height: 384}}, &out, logger); err != nil {
		t.Fatalf("connect: %v\n%s", err, out.String())
	}
	if !strings.HasSuffix(strings.TrimSpace(out.String()), "disconnected\tubuntu-ssh") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
	if last, ok := st.LastConnection(); !ok || last.ConnectionID != "ubuntu-ssh" {
		t.Fatalf("last connection not saved: %+v", last)
	}
	recs := st.Sessions()
	if len(recs) != 1 || recs[0].State != "disconnected" || recs[0].TokensIssued != 1 {
		t.Fatalf("unexpected history %+v", recs)
	}
}

func TestRunConnectRejected(t *testing.T) {
	cfg := relayConfig(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad token", http.StatusForbidden)
	})
	st, err := state.New(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	err = runConnect(context.Background(), cfg, st, connectOptions{ID: "windows"}, io.Discard, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil || err.Error() != "Access forbidden." {
		t.Fatalf("expected forbidden, got %v", err)
	}
	err = runConnect(context.Background(), config.Default(), st, connectOptions{ID: "nope"}, io.Discard, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil || err.Error() != "Connection configuration not found." {
		t.Fatalf("expected unknown connection error, got %v", err)
	}
}

func TestRunConnectSubSecondTimeout(t *testing.T) {
	up := websocket.Upgrader{Subprotocols: []string{relay.Subprotocol}}
	cfg := relayConfig(t, func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	cfg.Session.ConnectTimeoutSeconds = 0
	st, err := state.New(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	start := time.Now()
	opts := connectOptions{ID: "ubuntu-ssh", Timeout: 300 * time.Millisecond}
	err = runConnect(context.Background(), cfg, st, opts, io.Discard, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil || err.Error() != "Timed out waiting for the remote desktop." {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
}
