package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// resumePrefix starts the text-frame preamble every client sends
// immediately after the handshake; a resuming client follows it with the
// last event sequence it saw before the previous connection dropped
// (spec.md §4.7). A preamble with nothing after the prefix
// ("last-received-seq:\n") marks a fresh, non-resuming connection.
const resumePrefix = "last-received-seq:"

// WebSocket adapts a *websocket.Conn to the Transport interface, grounded
// on the Go MCP SDK's mcp/websocket.go websocketConn (also gorilla-backed).
type WebSocket struct {
	conn        *websocket.Conn
	mu          sync.Mutex
	closeOnce   sync.Once
	resumeSeq   int64
	resumeKnown bool
}

// DialWebSocket connects to url as a client, optionally announcing
// resumeSeq as the last event it received before a prior disconnect.
func DialWebSocket(ctx context.Context, url string, resumeSeq int64, resuming bool) (*WebSocket, error) {
	dialer := *websocket.DefaultDialer
	dialer.Subprotocols = []string{"mcp"}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("transport: websocket dial: %w", err)
	}
	preamble := resumePrefix + "\n"
	if resuming {
		preamble = resumePrefix + strconv.FormatInt(resumeSeq, 10) + "\n"
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(preamble)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: websocket resume preamble: %w", err)
	}
	return &WebSocket{conn: conn}, nil
}

// Upgrader upgrades incoming HTTP connections to the "mcp" WebSocket
// subprotocol and reads the resume preamble before returning a Transport,
// grounded on the Go MCP SDK's WebSocketServerTransport.Accept.
type Upgrader struct {
	websocket.Upgrader
}

// NewUpgrader returns an Upgrader configured for the "mcp" subprotocol.
// checkOrigin, if non-nil, replaces the default allow-all policy -- the
// Go MCP SDK's own CheckOrigin defaults to allow-all and notes "In
// production, implement proper origin checking"; this repo's ambient
// security posture is to make that check explicit and overridable rather
// than leaving it on the reader to remember. LoopbackOnlyOrigin is a ready
// policy for exactly that: the most common production tightening, pass it
// directly instead of leaving the default in place.
func NewUpgrader(checkOrigin func(*http.Request) bool) *Upgrader {
	u := &Upgrader{Upgrader: websocket.Upgrader{Subprotocols: []string{"mcp"}}}
	if checkOrigin != nil {
		u.Upgrader.CheckOrigin = checkOrigin
	} else {
		u.Upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return u
}

// LoopbackOnlyOrigin rejects any upgrade whose Origin host isn't a loopback
// address, or whose Origin is missing entirely (same-origin / non-browser
// clients send no Origin header). A reasonable default for a server meant
// to be reached only from a local client process.
func LoopbackOnlyOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	host := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		host = u.Host
	}
	return isLoopbackHost(host)
}

func isLoopbackHost(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = strings.Trim(addr, "[]")
	}
	if host == "localhost" {
		return true
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return ip.IsLoopback()
}

// Accept upgrades r and reads the client's resume preamble.
func (u *Upgrader) Accept(w http.ResponseWriter, r *http.Request) (*WebSocket, error) {
	conn, err := u.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket upgrade: %w", err)
	}
	ws := &WebSocket{conn: conn}
	if err := ws.readResumePreamble(); err != nil {
		conn.Close()
		return nil, err
	}
	return ws, nil
}

func (ws *WebSocket) readResumePreamble() error {
	mt, data, err := ws.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("transport: reading resume preamble: %w", err)
	}
	if mt != websocket.TextMessage {
		return errors.New("transport: resume preamble must be a text frame")
	}
	s := string(data)
	if len(s) < len(resumePrefix) || s[:len(resumePrefix)] != resumePrefix {
		return fmt.Errorf("transport: malformed resume preamble %q", s)
	}
	rest := s[len(resumePrefix):]
	for len(rest) > 0 && (rest[len(rest)-1] == '\n' || rest[len(rest)-1] == '\r') {
		rest = rest[:len(rest)-1]
	}
	if rest == "" {
		return nil
	}
	seq, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return fmt.Errorf("transport: invalid resume seq %q: %w", rest, err)
	}
	ws.resumeSeq = seq
	ws.resumeKnown = true
	return nil
}

func (ws *WebSocket) Send(ctx context.Context, frame []byte) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		ws.conn.SetWriteDeadline(deadline)
		defer ws.conn.SetWriteDeadline(time.Time{})
	}
	if err := ws.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("transport: websocket write: %w", err)
	}
	return nil
}

func (ws *WebSocket) Recv(ctx context.Context) ([]byte, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ws.conn.Close()
		case <-done:
		}
	}()

	mt, data, err := ws.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("transport: websocket read: %w", err)
	}
	if mt != websocket.TextMessage {
		return nil, fmt.Errorf("transport: unexpected websocket message type %d", mt)
	}
	return data, nil
}

func (ws *WebSocket) Close() error {
	var err error
	ws.closeOnce.Do(func() { err = ws.conn.Close() })
	return err
}

func (ws *WebSocket) LastReceivedSeq() (int64, bool) {
	return ws.resumeSeq, ws.resumeKnown
}
