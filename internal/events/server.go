package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Server timeouts. Writes are bounded so one dead client cannot wedge its
// relay goroutine.
const (
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Server exposes the event bus over HTTP: GET /events upgrades to a
// websocket that streams every published event as one JSON message, and
// GET /healthz answers liveness probes.
type Server struct {
	bus    *Bus
	logger *slog.Logger
	http   *http.Server
}

// NewServer creates a server for the given bus and listen address.
func NewServer(bus *Bus, addr string, logger *slog.Logger) *Server {
	s := &Server{bus: bus, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", getOnly(s.handleEvents))
	mux.HandleFunc("/healthz", getOnly(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}))

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// ListenAndServe starts serving and blocks until the context is canceled,
// then shuts down gracefully. Returns nil on clean shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("events: listening on %s: %w", s.http.Addr, err)
	}

	s.logger.Info("event server listening", slog.String("addr", ln.Addr().String()))

	errs := make(chan error, 1)

	go func() {
		errs <- s.http.Serve(ln)
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("events: serving: %w", err)

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("events: shutting down: %w", err)
		}

		return nil
	}
}

// getOnly restricts a handler to GET (and HEAD) requests, answering
// anything else with 405 Method Not Allowed.
func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)

			return
		}

		h(w, r)
	}
}

// handleEvents upgrades the connection and relays bus events until the
// client disconnects or the server shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	defer conn.Close(websocket.StatusNormalClosure, "server closing")

	events, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	s.logger.Info("event subscriber connected", slog.String("remote", r.RemoteAddr))

	ctx := r.Context()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}

			if err := writeEvent(ctx, conn, ev); err != nil {
				s.logger.Debug("event subscriber gone",
					slog.String("remote", r.RemoteAddr),
					slog.String("error", err.Error()),
				)

				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// writeEvent marshals and sends one event with a bounded write deadline.
func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encoding event: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Write(writeCtx, websocket.MessageText, payload)
}
