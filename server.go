package mergeparty

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/mergeparty/kv"
	"github.com/outofforest/parallel"
)

const (
	defaultMaxMessageSize = 16 * 1024 * 1024
	defaultSendBuffer     = 256
	shutdownTimeout       = 5 * time.Second

	roomPath = "/parties/{party}/{room}"
)

// ServerConfig defines server configuration.
type ServerConfig struct {
	// Store keeps documents of all the rooms. Server works as a pure relay if nil.
	Store kv.Store

	// RepoFactory creates synchronization engine for each room served with storage.
	RepoFactory RepoFactory

	// Authorizer is consulted before websocket connection is accepted. All connections are accepted if nil.
	Authorizer Authorizer

	// Gatherer exposes metrics under /metrics if set.
	Gatherer prometheus.Gatherer
	Metrics  *Metrics

	MaxMessageSize int64
	SendBuffer     int
	EventBuffer    int
}

type roomKey struct {
	Party string
	ID    string
}

type serverRooms struct {
	config  ServerConfig
	spawnCh chan<- *Room

	mu    sync.Mutex
	rooms map[roomKey]*Room
}

func newServerRooms(config ServerConfig, spawnCh chan<- *Room) *serverRooms {
	return &serverRooms{
		config:  config,
		spawnCh: spawnCh,
		rooms:   map[roomKey]*Room{},
	}
}

// Get returns room, starting it if it is not running yet.
func (r *serverRooms) Get(ctx context.Context, party, id string) (*Room, error) {
	key := roomKey{Party: party, ID: id}

	r.mu.Lock()
	room, exists := r.rooms[key]
	if exists {
		r.mu.Unlock()
		return room, nil
	}

	roomConfig := RoomConfig{
		Party:       party,
		ID:          id,
		EventBuffer: r.config.EventBuffer,
		Metrics:     r.config.Metrics,
	}
	if r.config.Store != nil {
		roomConfig.Store = kv.WithPrefix(r.config.Store, roomPrefix(party, id))
		roomConfig.RepoFactory = r.config.RepoFactory
	}
	room = NewRoom(roomConfig)
	r.rooms[key] = room
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		r.Remove(key, room)
		return nil, errors.WithStack(ctx.Err())
	case r.spawnCh <- room:
		return room, nil
	}
}

// Lookup returns room if it is running.
func (r *serverRooms) Lookup(party, id string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[roomKey{Party: party, ID: id}]
	return room, exists
}

func (r *serverRooms) Remove(key roomKey, room *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.rooms[key]; exists && existing == room {
		delete(r.rooms, key)
	}
}

type server struct {
	config   ServerConfig
	rooms    *serverRooms
	upgrader websocket.Upgrader
}

// RunServer runs server.
func RunServer(ctx context.Context, ls net.Listener, config ServerConfig) error {
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaultMaxMessageSize
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaultSendBuffer
	}

	spawnCh := make(chan *Room)
	s := &server{
		config: config,
		rooms:  newServerRooms(config, spawnCh),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		httpServer := &http.Server{
			Handler:           s.router(),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext: func(net.Listener) context.Context {
				return ctx
			},
		}

		spawn("http", parallel.Fail, func(ctx context.Context) error {
			err := httpServer.Serve(ls)
			if errors.Is(err, http.ErrServerClosed) {
				return errors.WithStack(ctx.Err())
			}
			return errors.WithStack(err)
		})
		spawn("shutdown", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Get(ctx).Error("Shutting down http server failed", zap.Error(err))
			}
			return errors.WithStack(ctx.Err())
		})
		spawn("rooms", parallel.Fail, func(ctx context.Context) error {
			return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
				for {
					select {
					case <-ctx.Done():
						return errors.WithStack(ctx.Err())
					case room := <-spawnCh:
						spawn("room", parallel.Continue, func(ctx context.Context) error {
							defer s.rooms.Remove(roomKey{Party: room.config.Party, ID: room.config.ID}, room)

							err := room.Run(ctx)
							if ctx.Err() == nil {
								logger.Get(ctx).Error("Room failed",
									zap.String("party", room.config.Party),
									zap.String("room", room.config.ID),
									zap.Error(err))
							}
							return nil
						})
					}
				}
			})
		})

		return nil
	})
}

func (s *server) router() http.Handler {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Methods(http.MethodHead).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if s.config.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})).
			Methods(http.MethodGet)
	}

	r.HandleFunc(roomPath, s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc(roomPath+"/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc(roomPath+"/debug/storage", s.handleDebugStorage).Methods(http.MethodGet)
	r.HandleFunc(roomPath+"/test/storage", s.handleTestStorage).Methods(http.MethodPost)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, HEAD, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("👍 All good"))
		return
	}

	ctx := r.Context()
	vars := mux.Vars(r)
	party, roomID := vars["party"], vars["room"]
	log := logger.Get(ctx).With(zap.String("party", party), zap.String("room", roomID))
	ctx = logger.WithLogger(ctx, log)

	if s.config.Authorizer != nil {
		if err := s.config.Authorizer(r, party, roomID); err != nil {
			log.Debug("Connection rejected", zap.Error(err))
			http.Error(w, "Unauthorized -- "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	room, err := s.rooms.Get(ctx, party, roomID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("Upgrading connection failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(s.config.MaxMessageSize)

	c := newWSConn(ws, s.config.SendBuffer)
	ctx = logger.WithLogger(ctx, log.With(zap.Stringer("conn", c.id)))
	if err := runServerConn(ctx, room, c); err != nil && ctx.Err() == nil {
		logger.Get(ctx).Debug("Connection failed", zap.Error(err))
	}
}

func runServerConn(ctx context.Context, room *Room, c *wsConn) error {
	if err := room.Open(ctx, c); err != nil {
		_ = c.ws.Close()
		return err
	}
	defer func() {
		_ = c.Close()
		if err := room.Close(ctx, c); err != nil && ctx.Err() == nil {
			logger.Get(ctx).Error("Closing connection in room failed", zap.Error(err))
		}
	}()

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Exit, func(ctx context.Context) error {
			return c.runReceiver(ctx, room)
		})
		spawn("sender", parallel.Exit, c.runSender)

		return nil
	})
}

// Diagnostic handlers never start rooms.

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	room, exists := s.rooms.Lookup(vars["party"], vars["room"])
	if !exists {
		writeJSON(r.Context(), w, http.StatusOK, Health{Status: "ok", Room: vars["room"]})
		return
	}
	health, err := room.Health(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, health)
}

func (s *server) handleDebugStorage(w http.ResponseWriter, r *http.Request) {
	if s.config.Store == nil {
		http.NotFound(w, r)
		return
	}

	vars := mux.Vars(r)
	dump, err := kv.WithPrefix(s.config.Store, roomPrefix(vars["party"], vars["room"])).List(r.Context(), "")
	if err != nil {
		writeJSON(r.Context(), w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, dump)
}

func (s *server) handleTestStorage(w http.ResponseWriter, r *http.Request) {
	if s.config.Store == nil {
		http.NotFound(w, r)
		return
	}

	vars := mux.Vars(r)
	room, exists := s.rooms.Lookup(vars["party"], vars["room"])
	if !exists {
		http.Error(w, "room is not running", http.StatusNotFound)
		return
	}
	bridge, err := room.Storage(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	report, err := bridge.SelfTest(r.Context())
	if err != nil {
		writeJSON(r.Context(), w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, report)
}

func roomPrefix(party, id string) string {
	return party + "/" + id + "/"
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Get(ctx).Debug("Writing response failed", zap.Error(err))
	}
}
