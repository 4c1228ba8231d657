// Package adminhttp exposes a node's operational surface: Prometheus
// metrics, a liveness probe, and a live tail of the accounting log over
// a WebSocket, for an operator dashboard (SPEC_FULL.md §14). None of
// this participates in verify_user_token; it only observes the node.
package adminhttp

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"
)

// Config carries the tunables for Server.
type Config struct {
	Addr string

	// MaxConns caps concurrent connections to this listener; zero means
	// unlimited. Bounds resource use from a dashboard left polling or a
	// slow WebSocket tail consumer, independent of RADIUS-side throttling.
	MaxConns int
}

// Server is the admin HTTP listener.
type Server struct {
	cfg      Config
	registry *prometheus.Registry
	tailer   *tailer

	httpServer *http.Server
}

// New constructs a Server. registry is the Prometheus registry served at
// /metrics — pass the same registry given to metrics.New so the two
// stay in sync. accountingDir is tailed for the live WebSocket feed.
func New(cfg Config, registry *prometheus.Registry, accountingDir string) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		tailer:   newTailer(accountingDir),
	}
}

// Start begins serving. It blocks until the context is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stream", s.handleStream)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}

	s.httpServer = &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[adminhttp] listening on %s", s.cfg.Addr)
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStream upgrades to a WebSocket and streams new accounting
// events as they are appended to the current day's log file.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[adminhttp] stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	const (
		pongWait   = 60 * time.Second
		pingPeriod = 30 * time.Second
		writeWait  = 10 * time.Second
	)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	go func() {
		// drain and discard client frames; this stream is write-only from
		// the server's side, but a read loop is required to process pongs.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(done)
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	lines := s.tailer.Subscribe()
	defer s.tailer.Unsubscribe(lines)

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case line, ok := <-lines:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return
			}
		}
	}
}
