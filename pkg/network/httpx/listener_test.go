package httpx

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/giongto35/cloud-session/pkg/logger"
)

func TestListenerPortRoll(t *testing.T) {
	a, err := NewListener("127.0.0.1:0", false)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer func() { _ = a.Close() }()
	busy := "127.0.0.1:" + strconv.Itoa(a.Addr().(*net.TCPAddr).Port)

	if _, err = NewListener(busy, false); err == nil {
		t.Fatalf("expected busy port error, but got none")
	}
	b, err := NewListener(busy, true)
	if err != nil {
		t.Fatalf("expected no port error, but got %v", err)
	}
	_ = b.Close()
}

func TestServer(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", func(*Server) http.Handler {
		return NewServeMux("/x").HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("pong"))
		})
	}, WithLogger(logger.Nop()))
	if err != nil {
		t.Fatal(err)
	}
	srv.Run()
	defer func() { _ = srv.Stop() }()

	c := http.Client{Timeout: 5 * time.Second}
	resp, err := c.Get("http://" + srv.Addr + "/x/ping")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "pong" {
		t.Errorf("unexpected response %q", body)
	}
}
