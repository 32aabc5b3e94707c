// Package relay serves one account's cross-device tier over HTTP so devices
// without a shared folder can still sync. Writes are applied to a kv.Backend
// with the sync quota and fanned out to every connected device over a
// websocket change feed.
package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tonimelisma/watchsync/internal/kv"
)

// Server tuning.
const (
	maxBodyBytes     = 1 << 20
	subscriberBuffer = 16
	writeTimeout     = 10 * time.Second
	shutdownTimeout  = 5 * time.Second
	readHeaderLimit  = 10 * time.Second
)

// Server exposes a kv.Backend over the relay protocol.
type Server struct {
	backend kv.Backend
	token   string
	logger  *slog.Logger

	// writeMu serializes mutations so the change set returned to the writer
	// and broadcast to subscribers matches the order writes were applied.
	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[*subscriber]struct{}
}

type subscriber struct {
	device string
	ch     chan kv.ChangeMessage
}

// NewServer returns a relay over backend. An empty token disables auth.
func NewServer(backend kv.Backend, token string, logger *slog.Logger) *Server {
	return &Server{
		backend: backend,
		token:   token,
		logger:  logger,
		subs:    make(map[*subscriber]struct{}),
	}
}

// Routes builds the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get(kv.ItemsPath, s.getItems)
		r.Put(kv.ItemsPath, s.putItems)
		r.Delete(kv.ItemsPath, s.deleteItems)
		r.Get(kv.ChangesPath, s.changes)
	})

	return r
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: readHeaderLimit,
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("relay listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("relay: serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("relay shutting down")

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay: shutdown: %w", err)
	}

	return nil
}

// authMiddleware enforces the static bearer token when one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}

		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) getItems(w http.ResponseWriter, r *http.Request) {
	var keys []string
	if q := r.URL.Query(); q.Has(kv.KeyParam) {
		keys = q[kv.KeyParam]
	}

	items, err := s.backend.Get(r.Context(), keys)
	if err != nil {
		s.logger.Error("relay get failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, items)
}

func (s *Server) putItems(w http.ResponseWriter, r *http.Request) {
	var items map[string]json.RawMessage

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&items); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	before, err := s.backend.Get(r.Context(), keys)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.backend.Set(r.Context(), items); err != nil {
		s.logger.Warn("relay set rejected", slog.String("error", err.Error()))
		writeError(w, statusFor(err), err.Error())

		return
	}

	changes := make(map[string]kv.Change, len(items))

	for k, v := range items {
		prev, existed := before[k]
		if existed && string(prev) == string(v) {
			continue
		}

		c := kv.Change{NewValue: v}
		if existed {
			c.OldValue = prev
		}

		changes[k] = c
	}

	s.respondAndBroadcast(w, r, changes)
}

func (s *Server) deleteItems(w http.ResponseWriter, r *http.Request) {
	keys := r.URL.Query()[kv.KeyParam]
	if len(keys) == 0 {
		writeError(w, http.StatusBadRequest, "at least one key parameter is required")
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	before, err := s.backend.Get(r.Context(), keys)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.backend.Remove(r.Context(), keys); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	changes := make(map[string]kv.Change, len(before))
	for k, prev := range before {
		changes[k] = kv.Change{OldValue: prev}
	}

	s.respondAndBroadcast(w, r, changes)
}

// respondAndBroadcast returns the change set to the writer and pushes it to
// every subscriber. Subscribers filter their own origin.
func (s *Server) respondAndBroadcast(w http.ResponseWriter, r *http.Request, changes map[string]kv.Change) {
	msg := kv.ChangeMessage{
		Origin:  r.Header.Get(kv.DeviceHeader),
		Changes: changes,
	}

	writeJSON(w, http.StatusOK, msg)

	if len(changes) > 0 {
		s.broadcast(msg)
	}
}

// changes upgrades to a websocket and streams change messages until the
// client goes away.
func (s *Server) changes(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "relay closing")

	sub := &subscriber{
		device: r.Header.Get(kv.DeviceHeader),
		ch:     make(chan kv.ChangeMessage, subscriberBuffer),
	}

	s.addSubscriber(sub)
	defer s.removeSubscriber(sub)

	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return

		case msg, ok := <-sub.ch:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}

			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, msg)
			cancel()

			if err != nil {
				s.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (s *Server) addSubscriber(sub *subscriber) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	s.subs[sub] = struct{}{}

	s.logger.Info("device subscribed",
		slog.String("device", sub.device),
		slog.Int("subscribers", len(s.subs)),
	)
}

func (s *Server) removeSubscriber(sub *subscriber) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

// broadcast delivers msg without blocking. A subscriber whose buffer is full
// is disconnected; it reloads everything when it reconnects.
func (s *Server) broadcast(msg kv.ChangeMessage) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for sub := range s.subs {
		select {
		case sub.ch <- msg:
		default:
			s.logger.Warn("dropping slow subscriber", slog.String("device", sub.device))
			delete(s.subs, sub)
			close(sub.ch)
		}
	}
}

// Subscribers returns the number of connected change-feed clients.
func (s *Server) Subscribers() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	return len(s.subs)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, kv.ErrQuotaExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, kv.ErrItemTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, kv.ErrInvalidKey):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, kv.ErrorResponse{Error: msg})
}
