package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const httpLogPrefix = "transport:http"

const (
	defaultHTTPHost = "localhost"
	defaultHTTPPort = 3333
	defaultHTTPPath = "/mcp"

	// sessionHeader carries the per-client session id on every request
	// after initialize.
	sessionHeader = "Mcp-Session-Id"

	// inboundBufferSize lets a few requests queue before handlers block.
	inboundBufferSize = 10

	// maxHTTPBodyBytes caps a single request body.
	maxHTTPBodyBytes = 4 << 20

	shutdownTimeout      = 5 * time.Second
	sessionCleanupPeriod = time.Minute
	sessionIdleExpiry    = 30 * time.Minute
)

// portFallbackOffsets is the ladder walked from the configured port when
// it is already taken. An ephemeral port is the final candidate.
var portFallbackOffsets = []int{0, 1, 2, 10}

// HTTPOptions configures the loopback HTTP listener. Zero values fall
// back to localhost:3333 and the /mcp path.
type HTTPOptions struct {
	Host string
	Port int
	Path string

	// AllowedOrigins lists extra hosts accepted in Host and Origin
	// headers besides loopback.
	AllowedOrigins []string
}

type inboundMessage struct {
	data  []byte
	reply chan []byte
}

// HTTP serves the protocol over POST requests on a loopback listener.
// Request bodies flow to the protocol server through ReadMessage and the
// response returns to the originating HTTP request through WriteMessage,
// one message at a time. Clients obtain a session id from the initialize
// call and carry it on every request after that.
type HTTP struct {
	opts         HTTPOptions
	allowedHosts map[string]struct{}

	listener   net.Listener
	httpServer *http.Server
	endpoint   string

	inbound chan inboundMessage

	pendingMu sync.Mutex
	pending   chan []byte

	sessionsMu sync.Mutex
	sessions   map[string]time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewHTTP builds the transport without binding anything; Start does the
// actual listen.
func NewHTTP(opts HTTPOptions) *HTTP {
	if opts.Host == "" {
		opts.Host = defaultHTTPHost
	}
	if opts.Port == 0 {
		opts.Port = defaultHTTPPort
	}
	if opts.Path == "" {
		opts.Path = defaultHTTPPath
	}
	opts.Path = "/" + strings.Trim(opts.Path, "/")
	return &HTTP{
		opts:         opts,
		allowedHosts: parseAllowedHosts(opts.AllowedOrigins),
		inbound:      make(chan inboundMessage, inboundBufferSize),
		sessions:     make(map[string]time.Time),
		done:         make(chan struct{}),
	}
}

// Start binds the listener and begins serving. When the configured port
// is taken it walks the fallback ladder and finally an ephemeral port,
// so a second instance on the same machine still comes up.
func (t *HTTP) Start() error {
	ln, err := t.listen()
	if err != nil {
		return err
	}
	t.listener = ln
	t.endpoint = fmt.Sprintf("http://%s%s", ln.Addr(), t.opts.Path)

	mux := http.NewServeMux()
	mux.HandleFunc(t.opts.Path, t.handleRPC)
	mux.HandleFunc(t.opts.Path+"/health", t.handleHealth)
	t.httpServer = &http.Server{Handler: mux}

	go t.cleanupSessions()
	go func() {
		if err := t.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("%s - serve: %v", httpLogPrefix, err))
			t.closeOnce.Do(func() { close(t.done) })
		}
	}()

	slog.Info(fmt.Sprintf("%s - listening on %s", httpLogPrefix, t.endpoint))
	return nil
}

func (t *HTTP) listen() (net.Listener, error) {
	candidates := make([]int, 0, len(portFallbackOffsets)+1)
	for _, off := range portFallbackOffsets {
		candidates = append(candidates, t.opts.Port+off)
	}
	candidates = append(candidates, 0)

	var lastErr error
	for i, port := range candidates {
		addr := net.JoinHostPort(t.opts.Host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				slog.Warn(fmt.Sprintf("%s - port %d unavailable, bound %s instead", httpLogPrefix, t.opts.Port, ln.Addr()))
			}
			return ln, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("%s - listen on %s: %w", httpLogPrefix, addr, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%s - no free port: %w", httpLogPrefix, lastErr)
}

// Endpoint reports the URL actually bound, which differs from the
// configured one whenever the fallback ladder was used.
func (t *HTTP) Endpoint() string {
	return t.endpoint
}

func (t *HTTP) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := t.validateLocalRequest(r); err != nil {
		slog.Warn(fmt.Sprintf("%s - rejected request: %v", httpLogPrefix, err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxHTTPBodyBytes))
	if err != nil {
		http.Error(w, "Failed to read request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var probe struct {
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
	}
	parseErr := json.Unmarshal(body, &probe)

	// initialize opens a fresh session; everything else must present a
	// live one.
	if parseErr == nil && probe.Method == "initialize" {
		id := uuid.NewString()
		t.touchSession(id)
		w.Header().Set(sessionHeader, id)
	} else {
		sessionID := strings.TrimSpace(r.Header.Get(sessionHeader))
		if sessionID == "" || !t.sessionValid(sessionID) {
			writeSessionError(w, "Invalid or missing session ID")
			return
		}
		t.touchSession(sessionID)
	}

	// Valid JSON with no id is a notification: acknowledge the POST and
	// never produce a response body. Unparseable bodies go through the
	// request path so the parse-error response reaches the client.
	if parseErr == nil && len(probe.ID) == 0 {
		select {
		case t.inbound <- inboundMessage{data: body}:
			w.WriteHeader(http.StatusAccepted)
		case <-t.done:
			http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		case <-r.Context().Done():
		}
		return
	}

	reply := make(chan []byte, 1)
	select {
	case t.inbound <- inboundMessage{data: body, reply: reply}:
	case <-t.done:
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}

	select {
	case resp := <-reply:
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(resp); err != nil {
			slog.Error(fmt.Sprintf("%s - write response: %v", httpLogPrefix, err))
		}
	case <-t.done:
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
	case <-r.Context().Done():
	}
}

func (t *HTTP) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := t.validateLocalRequest(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		slog.Error(fmt.Sprintf("%s - write health response: %v", httpLogPrefix, err))
	}
}

// writeSessionError answers with a JSON-RPC error body so protocol
// clients can surface the message instead of a bare status line.
func writeSessionError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	resp := map[string]any{
		"jsonrpc": "2.0",
		"id":      nil,
		"error": map[string]any{
			"code":    -32000,
			"message": message,
		},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error(fmt.Sprintf("%s - write session error: %v", httpLogPrefix, err))
	}
}

func (t *HTTP) sessionValid(id string) bool {
	t.sessionsMu.Lock()
	defer t.sessionsMu.Unlock()
	_, ok := t.sessions[id]
	return ok
}

func (t *HTTP) touchSession(id string) {
	t.sessionsMu.Lock()
	t.sessions[id] = time.Now()
	t.sessionsMu.Unlock()
}

// cleanupSessions drops sessions idle past sessionIdleExpiry.
func (t *HTTP) cleanupSessions() {
	ticker := time.NewTicker(sessionCleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-sessionIdleExpiry)
			t.sessionsMu.Lock()
			for id, lastUsed := range t.sessions {
				if lastUsed.Before(cutoff) {
					delete(t.sessions, id)
				}
			}
			t.sessionsMu.Unlock()
		}
	}
}

// ReadMessage hands the protocol server the next queued request body.
func (t *HTTP) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case in := <-t.inbound:
		t.pendingMu.Lock()
		t.pending = in.reply
		t.pendingMu.Unlock()
		return in.data, nil
	case <-t.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteMessage routes the response back to the HTTP request that carried
// the message being answered.
func (t *HTTP) WriteMessage(_ context.Context, data []byte) error {
	t.pendingMu.Lock()
	reply := t.pending
	t.pending = nil
	t.pendingMu.Unlock()
	if reply == nil {
		return fmt.Errorf("%s - no request awaiting a response", httpLogPrefix)
	}
	reply <- data
	return nil
}

// WriteNotification drops server-initiated notifications. A plain POST
// client has no channel to receive them on.
func (t *HTTP) WriteNotification(_ context.Context, data []byte) error {
	slog.Debug(fmt.Sprintf("%s - dropping notification, no client stream: %s", httpLogPrefix, data))
	return nil
}

// Close stops accepting requests and shuts the listener down.
func (t *HTTP) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	if t.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := t.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s - shutdown: %w", httpLogPrefix, err)
	}
	return nil
}
