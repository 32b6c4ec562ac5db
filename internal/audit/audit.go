// Package audit implements the append-only auth attempt ledger (spec §3
// "AuthAttempt", component C9): every device API-key and registration-token
// authentication outcome, success or failure, is recorded for forensics and
// expiry detection.
package audit

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/signalbeam/edge/internal/telemetry"
)

// Entry is a single auth attempt record.
type Entry struct {
	DeviceID      *uuid.UUID
	TenantID      *uuid.UUID
	IPAddress     *netip.Addr
	UserAgent     *string
	At            time.Time
	Success       bool
	FailureReason *string
	APIKeyPrefix  *string
}

// Writer is an async, buffered audit log writer. Entries are sent to an
// internal channel and flushed by a background goroutine so that the
// authentication hot path never blocks on a database write.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates an audit Writer. Call Start to begin processing entries.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start launches the background goroutine that flushes entries to the
// database and returns immediately. The goroutine flushes the pending
// entries and exits when the context is cancelled or Close is called.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an entry for async writing. It never blocks the caller; if
// the buffer is full the entry is dropped, a warning is logged and
// AuditEntriesDroppedTotal is incremented.
func (w *Writer) Log(entry Entry) {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry", "success", entry.Success)
		telemetry.AuditEntriesDroppedTotal.Inc()
	}
}

// LogRequest is a convenience constructor that fills IPAddress and UserAgent
// from an inbound HTTP request.
func (w *Writer) LogRequest(r *http.Request, entry Entry) {
	ip := clientIP(r)
	if ip.IsValid() {
		entry.IPAddress = &ip
	}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		entry.UserAgent = &ua
	}
	w.Log(entry)
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes a batch of entries to the auth_attempts table as one pgx
// batch of single-row inserts, sent in a single round trip.
func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batchQ := &pgxBatch{}
	for _, e := range entries {
		var ipStr *string
		if e.IPAddress != nil {
			s := e.IPAddress.String()
			ipStr = &s
		}
		batchQ.queue(
			`INSERT INTO auth_attempts (id, device_id, tenant_id, ip_address, user_agent, at, success, failure_reason, api_key_prefix)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			uuid.New(), e.DeviceID, e.TenantID, ipStr, e.UserAgent, e.At, e.Success, e.FailureReason, e.APIKeyPrefix,
		)
	}

	if err := batchQ.exec(ctx, w.pool); err != nil {
		w.logger.Error("flushing auth attempt batch", "error", err, "count", len(entries))
	}
}

// clientIP extracts the client IP address from the request, preferring
// X-Forwarded-For and X-Real-IP headers over RemoteAddr.
func clientIP(r *http.Request) netip.Addr {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if addr, err := netip.ParseAddr(strings.TrimSpace(parts[0])); err == nil {
			return addr
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, _ := netip.ParseAddr(host)
	return addr
}
