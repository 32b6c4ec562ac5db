package audit

import (
	"log/slog"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func TestClientIP_XForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18")

	ip := clientIP(r)
	want := netip.MustParseAddr("203.0.113.50")
	if ip != want {
		t.Errorf("clientIP = %v, want %v", ip, want)
	}
}

func TestClientIP_XRealIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Real-IP", "198.51.100.23")

	ip := clientIP(r)
	want := netip.MustParseAddr("198.51.100.23")
	if ip != want {
		t.Errorf("clientIP = %v, want %v", ip, want)
	}
}

func TestClientIP_RemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:12345"

	ip := clientIP(r)
	want := netip.MustParseAddr("192.0.2.1")
	if ip != want {
		t.Errorf("clientIP = %v, want %v", ip, want)
	}
}

func TestClientIP_Precedence(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.50")
	r.Header.Set("X-Real-IP", "198.51.100.23")
	r.RemoteAddr = "192.0.2.1:12345"

	ip := clientIP(r)
	want := netip.MustParseAddr("203.0.113.50")
	if ip != want {
		t.Errorf("clientIP = %v, want %v (X-Forwarded-For should take precedence)", ip, want)
	}
}

func TestClientIP_InvalidXFF(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "not-an-ip")
	r.RemoteAddr = "192.0.2.1:12345"

	ip := clientIP(r)
	want := netip.MustParseAddr("192.0.2.1")
	if ip != want {
		t.Errorf("clientIP = %v, want %v (should fall back to RemoteAddr)", ip, want)
	}
}

func TestWriter_LogDropsWhenFull(t *testing.T) {
	logger := slog.Default()
	w := NewWriter(nil, logger)
	// Don't start the background goroutine — nothing drains the channel.

	for i := 0; i < bufferSize; i++ {
		w.Log(Entry{Success: true})
	}

	// The next log should be dropped (non-blocking), not panic or deadlock.
	w.Log(Entry{Success: false})

	if len(w.entries) != bufferSize {
		t.Errorf("buffer size = %d, want %d", len(w.entries), bufferSize)
	}
}

func TestWriter_LogRequestExtractsFields(t *testing.T) {
	logger := slog.Default()
	w := NewWriter(nil, logger)
	// Don't start — read directly from the channel instead.

	r := httptest.NewRequest("POST", "/api/v1/devices/register", nil)
	r.Header.Set("User-Agent", "edge-agent/1.0")
	r.Header.Set("X-Real-IP", "198.51.100.23")

	reason := "invalid hash"
	w.LogRequest(r, Entry{Success: false, FailureReason: &reason})

	entry := <-w.entries

	if entry.Success {
		t.Error("Success = true, want false")
	}
	if entry.FailureReason == nil || *entry.FailureReason != reason {
		t.Errorf("FailureReason = %v, want %q", entry.FailureReason, reason)
	}
	if entry.IPAddress == nil || *entry.IPAddress != netip.MustParseAddr("198.51.100.23") {
		t.Errorf("IPAddress = %v, want 198.51.100.23", entry.IPAddress)
	}
	if entry.UserAgent == nil || *entry.UserAgent != "edge-agent/1.0" {
		t.Errorf("UserAgent = %v, want edge-agent/1.0", entry.UserAgent)
	}
}

func TestWriter_LogSetsTimestamp(t *testing.T) {
	w := NewWriter(nil, slog.Default())
	w.Log(Entry{Success: true})

	entry := <-w.entries
	if entry.At.IsZero() {
		t.Error("expected At to be set to now when not provided")
	}
}
