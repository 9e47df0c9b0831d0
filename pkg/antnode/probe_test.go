package antnode

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("splitting %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port from %q: %v", addr, err)
	}
	return host, port
}

func TestClient_FetchMetadata_RunningNodeReportsVersionAndPeerID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`antnode_info{antnode_version="0.4.1"} 1
antnode_info{peer_id="12D3abc"} 1
`))
	}))
	defer srv.Close()
	host, port := splitHostPort(t, srv.Listener.Addr().String())

	c := NewClient()
	md := c.FetchMetadata(context.Background(), host, port)
	if md.Status != StatusRunning {
		t.Errorf("Status = %s, want RUNNING", md.Status)
	}
	if md.Version != "0.4.1" {
		t.Errorf("Version = %q, want 0.4.1", md.Version)
	}
	if md.PeerID != "12D3abc" {
		t.Errorf("PeerID = %q, want 12D3abc", md.PeerID)
	}
}

func TestClient_FetchMetadata_ConnectionRefusedIsStopped(t *testing.T) {
	c := NewClient()
	md := c.FetchMetadata(context.Background(), "127.0.0.1", 1)
	if md.Status != StatusStopped {
		t.Errorf("Status = %s, want STOPPED on connection refusal", md.Status)
	}
}

func TestClient_FetchMetrics_ParsesCounters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ant_node_uptime 42\nant_networking_records_stored 7\nant_networking_shunned_by_close_group 2\n"))
	}))
	defer srv.Close()
	host, port := splitHostPort(t, srv.Listener.Addr().String())

	c := NewClient()
	m := c.FetchMetrics(context.Background(), host, port)
	if m.Uptime != 42 || m.Records != 7 || m.Shunned != 2 {
		t.Errorf("metrics = %+v, want 42/7/2", m)
	}
}

func TestAge_ReturnsSecretKeyMtime(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "secret-key")
	if err := os.WriteFile(keyPath, []byte("k"), 0o600); err != nil {
		t.Fatalf("writing secret-key: %v", err)
	}
	mtime := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := os.Chtimes(keyPath, mtime, mtime); err != nil {
		t.Fatalf("setting mtime: %v", err)
	}

	if got := Age(dir); got != mtime.Unix() {
		t.Errorf("Age() = %d, want %d", got, mtime.Unix())
	}
}

func TestAge_MissingSecretKeyReturnsZero(t *testing.T) {
	if got := Age(t.TempDir()); got != 0 {
		t.Errorf("Age() = %d, want 0 for a missing secret-key", got)
	}
}
