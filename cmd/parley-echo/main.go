// Command parley-echo is a demonstration peer. In serve mode it accepts
// WebSocket peers, each bound to its own engine, and answers echo requests;
// in dial mode it connects to a serving peer and round-trips a message.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	parley "github.com/WebDev-Guy/parley-go"
	"github.com/WebDev-Guy/parley-go/internal/config"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default: /etc/parley/peer.yaml)")
		message    = flag.String("message", "hello from parley", "message to round-trip in dial mode")
	)
	flag.Parse()

	initLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if cfg.PeerURL != "" {
		if err := runDial(ctx, cfg, *message); err != nil {
			slog.Error("dial peer exited with error", "error", err)
			os.Exit(1)
		}
		return
	}
	if err := runServe(ctx, cfg); err != nil {
		slog.Error("serving peer exited with error", "error", err)
		os.Exit(1)
	}
}

// initLogger installs a JSON slog handler at the given level.
func initLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

func engineConfig(cfg *config.Config) parley.Config {
	return parley.Config{
		TargetType:     parley.TargetSocket,
		AllowedOrigins: cfg.AllowedOrigins,
		LocalOrigin:    cfg.LocalOrigin,
		StrictOrigin:   cfg.StrictOrigin,
		Heartbeat: parley.HeartbeatConfig{
			Interval:  cfg.HeartbeatInterval,
			Timeout:   cfg.HeartbeatTimeout,
			MaxMisses: cfg.HeartbeatMaxMisses,
		},
		Logger: slog.Default(),
	}
}

// registerHandlers installs the demo message handlers on an engine.
func registerHandlers(engine *parley.Engine) {
	engine.On("echo", func(ctx context.Context, req parley.Request) (any, error) {
		var v any
		if err := req.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	})
	engine.On("time", func(ctx context.Context, req parley.Request) (any, error) {
		return map[string]string{"now": time.Now().UTC().Format(time.RFC3339)}, nil
	})
}

// logEvents subscribes the interesting lifecycle events to the logger.
func logEvents(engine *parley.Engine) {
	for _, name := range []parley.EventName{
		parley.EventConnected,
		parley.EventDisconnected,
		parley.EventConnectionLost,
		parley.EventHeartbeatMissed,
		parley.EventError,
	} {
		name := name
		engine.OnEvent(name, func(ev parley.Event) {
			slog.Info("engine event", "event", string(name), "state", string(ev.State), "error", ev.Err)
		})
	}
}

// peerTracker remembers the most recent engine for health reporting.
type peerTracker struct {
	mu        sync.RWMutex
	engine    *parley.Engine
	startTime time.Time
	peers     int
}

func (t *peerTracker) set(e *parley.Engine) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.engine = e
	t.peers++
}

// healthStatus is the /api/health response body.
type healthStatus struct {
	Healthy       bool    `json:"healthy"`
	State         string  `json:"state"`
	PeersAccepted int     `json:"peersAccepted"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

func (t *peerTracker) status() healthStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := parley.StateIdle
	if t.engine != nil {
		st = t.engine.State()
	}
	up := time.Since(t.startTime)
	return healthStatus{
		Healthy:       true,
		State:         string(st),
		PeersAccepted: t.peers,
		Uptime:        up.Round(time.Second).String(),
		UptimeSeconds: up.Seconds(),
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	tracker := &peerTracker{startTime: time.Now()}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Origin admission happens in the engine's gate; accept the upgrade
		// so rejected peers get dropped frames instead of failed sockets.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	r := mux.NewRouter()
	r.Use(loggingMiddleware)
	r.HandleFunc("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tracker.status())
	}).Methods(http.MethodGet)

	r.HandleFunc("/parley", func(w http.ResponseWriter, req *http.Request) {
		transport, err := parley.AcceptPeer(w, req, upgrader, parley.WithWSLogger(slog.Default()))
		if err != nil {
			slog.Warn("failed to accept peer", "error", err, "remote", req.RemoteAddr)
			return
		}

		engine, err := parley.New(engineConfig(cfg))
		if err != nil {
			slog.Error("failed to create engine", "error", err)
			transport.Close()
			return
		}
		registerHandlers(engine)
		logEvents(engine)
		tracker.set(engine)

		go func() {
			defer transport.Close()
			if err := engine.Connect(ctx, transport); err != nil {
				slog.Warn("peer handshake failed", "error", err, "remote", req.RemoteAddr)
				return
			}
			slog.Info("peer connected", "remote", req.RemoteAddr, "origin", transport.Origin())
			<-ctx.Done()
			_ = engine.Disconnect()
		}()
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("parley peer listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func runDial(ctx context.Context, cfg *config.Config, message string) error {
	transport, err := parley.DialPeer(ctx, cfg.PeerURL, parley.WithWSLogger(slog.Default()))
	if err != nil {
		return fmt.Errorf("dialing peer: %w", err)
	}
	defer transport.Close()

	engine, err := parley.New(engineConfig(cfg))
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	registerHandlers(engine)
	logEvents(engine)

	if err := engine.Connect(ctx, transport); err != nil {
		return fmt.Errorf("connecting to peer: %w", err)
	}
	defer engine.Disconnect()

	slog.Info("connected to peer", "url", cfg.PeerURL)

	value, err := engine.Send(ctx, "echo", map[string]string{"message": message})
	if err != nil {
		return fmt.Errorf("echo round-trip: %w", err)
	}
	slog.Info("echo reply received", "value", string(value))

	value, err = engine.Send(ctx, "time", nil)
	if err != nil {
		return fmt.Errorf("time request: %w", err)
	}
	slog.Info("peer time received", "value", string(value))
	return nil
}

// loggingMiddleware logs each HTTP request with its duration.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}
