package duplex

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fenilsonani/mailmap/internal/categories"
	"github.com/fenilsonani/mailmap/internal/config"
	"github.com/fenilsonani/mailmap/internal/logging"
	"github.com/fenilsonani/mailmap/internal/metrics"
	"github.com/fenilsonani/mailmap/internal/store"
)

const requestTimeout = 30 * time.Second

var upgrader = websocket.Upgrader{
	// The channel only ever listens on loopback, and browser
	// WebSockets cannot set custom headers anyway; origin is not a
	// meaningful trust boundary here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is a single connected extension instance and the mutex that
// serializes writes to it (gorilla/websocket connections are not
// safe for concurrent writes).
type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Server is the WebSocket endpoint mailmap exposes to the companion
// MailExtension: it answers the extension's queries and relays the
// pipeline's own action requests (move, copy, folder management) to
// whichever extension instance is connected.
type Server struct {
	cfg            config.DuplexConfig
	db             *store.Store
	categoriesFile string
	log            *logging.Logger

	mu      sync.Mutex
	clients map[string]*client
	pending map[string]chan Response

	httpServer *http.Server
}

// New builds a Server. db and categoriesFile back the query actions
// the extension issues (getStats, getFolders, getClassifications);
// they may be nil/empty if the server only ever sends requests.
func New(cfg config.DuplexConfig, db *store.Store, categoriesFile string, log *logging.Logger) *Server {
	return &Server{
		cfg:            cfg,
		db:             db,
		categoriesFile: categoriesFile,
		log:            log.Duplex(),
		clients:        make(map[string]*client),
		pending:        make(map[string]chan Response),
	}
}

// Start runs the HTTP/WebSocket listener until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConnection)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("duplex: listen %s: %w", addr, err)
	}

	errc := make(chan error, 1)
	go func() {
		s.log.InfoContext(ctx, "duplex server listening", "addr", addr)
		errc <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	c := &client{id: uuid.NewString()[:8], conn: conn}
	s.mu.Lock()
	s.clients[c.id] = c
	count := len(s.clients)
	s.mu.Unlock()
	metrics.DuplexClients.Set(float64(count))
	s.log.InfoContext(r.Context(), "client connected", "client_id", c.id, "remote", r.RemoteAddr)

	if err := c.send(ServerEvent{Event: EventConnected, Data: map[string]any{"clientId": c.id}}); err != nil {
		s.log.WarnContext(r.Context(), "failed to send connected event", "client_id", c.id, "error", err)
	}

	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		count := len(s.clients)
		s.mu.Unlock()
		metrics.DuplexClients.Set(float64(count))
		conn.Close()
		s.log.InfoContext(r.Context(), "client disconnected", "client_id", c.id)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleMessage(context.Background(), c, raw)
	}
}

func (s *Server) handleMessage(ctx context.Context, c *client, raw []byte) {
	req, resp, err := ParseMessage(raw)
	if err != nil {
		s.log.WarnContext(ctx, "malformed message", "client_id", c.id, "error", err)
		return
	}

	if resp != nil {
		s.mu.Lock()
		ch, ok := s.pending[resp.ID]
		if ok {
			delete(s.pending, resp.ID)
		}
		s.mu.Unlock()
		if ok {
			ch <- *resp
		}
		return
	}

	if req != nil {
		reply := s.handleRequest(ctx, *req)
		if err := c.send(reply); err != nil {
			s.log.WarnContext(ctx, "failed to send response", "client_id", c.id, "error", err)
		}
		return
	}

	s.log.WarnContext(ctx, "unrecognized message shape", "client_id", c.id)
}

// handleRequest answers queries issued by the extension itself. Apart
// from ping (ActionPing), the actions handled here are not among the
// Action* constants, which name requests flowing the other direction.
func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	switch req.Action {
	case ActionPing:
		return SuccessResponse(req.ID, map[string]any{"pong": true})

	case "getFolders":
		cats, err := categories.Load(s.categoriesFile)
		if err != nil {
			return FailureResponse(req.ID, err.Error())
		}
		folders := make(map[string]any, len(cats))
		for _, cat := range cats {
			folders[cat.Name] = cat.Description
		}
		return SuccessResponse(req.ID, map[string]any{"folders": folders})

	case "getClassifications":
		limit := 50
		if v, ok := req.Params["limit"].(float64); ok {
			limit = int(v)
		}
		if s.db == nil {
			return FailureResponse(req.ID, "store not available")
		}
		msgs, err := s.db.ListRecent(ctx, limit)
		if err != nil {
			return FailureResponse(req.ID, err.Error())
		}
		return SuccessResponse(req.ID, map[string]any{"classifications": classificationsToResult(msgs)})

	case "getStats":
		if s.db == nil {
			return FailureResponse(req.ID, "store not available")
		}
		counts, err := s.db.CountsByCategory(ctx)
		if err != nil {
			return FailureResponse(req.ID, err.Error())
		}
		stats := make(map[string]any, len(counts))
		for k, v := range counts {
			stats[k] = v
		}
		return SuccessResponse(req.ID, map[string]any{"stats": stats})

	default:
		return FailureResponse(req.ID, fmt.Sprintf("unknown action: %s", req.Action))
	}
}

func classificationsToResult(msgs []store.Message) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		entry := map[string]any{
			"messageId":    m.MessageID,
			"subject":      m.Subject,
			"from":         m.Sender,
			"processedAt":  m.ProcessedAt.Format(time.RFC3339),
		}
		if m.Category != nil {
			entry["folder"] = *m.Category
		}
		if m.Confidence != nil {
			entry["confidence"] = *m.Confidence
		}
		out = append(out, entry)
	}
	return out
}

// SendRequest issues action to one connected client (whichever the
// client map yields first, so an arbitrary one when several are
// connected) and waits
// up to requestTimeout for its Response. It returns (nil, nil) rather
// than an error when no client is connected, mirroring the
// fire-and-log behavior the pipeline expects when the extension is
// offline.
func (s *Server) SendRequest(ctx context.Context, action string, params map[string]any) (*Response, error) {
	s.mu.Lock()
	var c *client
	for _, candidate := range s.clients {
		c = candidate
		break
	}
	s.mu.Unlock()

	if c == nil {
		s.log.WarnContext(ctx, "no clients connected", "action", action)
		return nil, nil
	}

	req := Request{ID: uuid.NewString(), Action: action, Params: params, Token: s.cfg.AuthToken}

	ch := make(chan Response, 1)
	s.mu.Lock()
	s.pending[req.ID] = ch
	s.mu.Unlock()

	if err := c.send(req); err != nil {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
		return nil, fmt.Errorf("duplex: send request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		return &resp, nil
	case <-timeoutCtx.Done():
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
		s.log.WarnContext(ctx, "request timed out", "action", action, "request_id", req.ID)
		return nil, nil
	}
}

// BroadcastEvent pushes an unsolicited event to every connected client.
func (s *Server) BroadcastEvent(event string, data map[string]any) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.send(ServerEvent{Event: event, Data: data}); err != nil {
			s.log.WarnContext(context.Background(), "failed to broadcast event", "client_id", c.id, "error", err)
		}
	}
}

// ClientCount returns the number of connected extension instances.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
