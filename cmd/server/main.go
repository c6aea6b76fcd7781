package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go-graphql/gqlhandler"
	"go-graphql/listener"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
)

type RequestLog struct {
	Time       time.Time `json:"time"`
	ID         string    `json:"id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	DurationMs float64   `json:"duration_ms"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type RouteMetrics struct {
	Count        uint64        `json:"count"`
	TotalLatency time.Duration `json:"total_latency_ns"`
}

type Metrics struct {
	mu            sync.Mutex
	TotalRequests uint64                   `json:"total_requests"`
	TotalErrors   uint64                   `json:"total_errors"`
	InFlight      uint64                   `json:"in_flight"`
	ByRoute       map[string]*RouteMetrics `json:"by_route"`
}

var (
	// Secret for HMAC JWTs (HS256) guarding the admin endpoints. Set in .env
	jwtSecret []byte
)

type AdminClaims struct {
	UserID string `json:"sub"`
	jwt.RegisteredClaims
}

// authenticateAdmin extracts the caller identity from
// Authorization: Bearer <jwt> using HS256 + APP_JWT_SECRET. With no secret
// configured the admin endpoints are open (local development).
func authenticateAdmin(r *http.Request) (string, error) {
	if len(jwtSecret) == 0 {
		return "local", nil
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		tokenStr := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		claims := &AdminClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return jwtSecret, nil
		})

		if err == nil && token.Valid && claims.UserID != "" {
			return claims.UserID, nil
		}
	}

	return "", errors.New("unauthenticated")
}

// requireAdmin gates an admin handler behind authenticateAdmin.
func requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := authenticateAdmin(r); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func NewMetrics() *Metrics {
	return &Metrics{
		ByRoute: make(map[string]*RouteMetrics),
	}
}

func (m *Metrics) StartRequest(route string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InFlight++
	m.TotalRequests++
	if _, ok := m.ByRoute[route]; !ok {
		m.ByRoute[route] = &RouteMetrics{}
	}
}

func (m *Metrics) EndRequest(route string, latency time.Duration, err bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.InFlight > 0 {
		m.InFlight--
	}
	if err {
		m.TotalErrors++
	}

	rm := m.ByRoute[route]
	if rm == nil {
		rm = &RouteMetrics{}
		m.ByRoute[route] = rm
	}
	rm.Count++
	rm.TotalLatency += latency
}

func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	copy := Metrics{
		TotalRequests: m.TotalRequests,
		TotalErrors:   m.TotalErrors,
		InFlight:      m.InFlight,
		ByRoute:       make(map[string]*RouteMetrics, len(m.ByRoute)),
	}

	for route, rm := range m.ByRoute {
		rmCopy := *rm
		copy.ByRoute[route] = &rmCopy
	}

	return copy
}

func logRequestJSON(entry RequestLog) {
	b, err := json.Marshal(entry)
	if err != nil {
		log.Printf("error marshaling log entry: %v", err)
		return
	}
	log.Println(string(b))
}

//
// -------------------------------------------------------------
// GRAPHQL ENDPOINT INSTRUMENTATION
// -------------------------------------------------------------
//

// statusRecorder captures the status code written by the adapter so the
// access log and metrics see it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// instrument wraps the GraphQL endpoint with body limiting, per-route
// metrics and one JSON access-log line per request.
func instrument(metrics *Metrics, maxBodyBytes int64, next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if maxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		routeKey := r.URL.Path
		if routeKey == "" {
			routeKey = "/"
		}
		metrics.StartRequest(routeKey)
		start := time.Now()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		metrics.EndRequest(routeKey, elapsed, rec.status >= http.StatusInternalServerError)

		logRequestJSON(RequestLog{
			Time:       time.Now(),
			ID:         r.Header.Get("X-Request-Id"),
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     rec.status,
			DurationMs: float64(elapsed.Milliseconds()),
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		})
	}
}

//
// -------------------------------------------------------------
// PROJECT ROOT DISCOVERY (dir containing go.mod)
// -------------------------------------------------------------
//

func getProjectRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}

	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return wd
		}
		dir = parent
	}
}

//
// -------------------------------------------------------------
// MAIN SERVER SETUP
// -------------------------------------------------------------
//

func main() {
	root := getProjectRoot()

	// .env first so the secrets below see it
	if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] could not load .env: %v", err)
	}
	jwtSecret = []byte(os.Getenv("APP_JWT_SECRET"))

	cfg := loadConfig(root)

	// Development error responses (message + stack in the body) only on an
	// explicit signal. Anything else, including unset, means production.
	devMode := os.Getenv("APP_ENV") == "development"

	schemaPath := cfg.SchemaPath
	if !filepath.IsAbs(schemaPath) {
		schemaPath = filepath.Join(root, schemaPath)
	}

	buildHandler := func() (listener.Handler, error) {
		return gqlhandler.New(gqlhandler.Options{
			SchemaPath: schemaPath,
			Resolver:   NewRootResolver(),
			MaxDepth:   cfg.MaxDepth,
		})
	}

	handler, err := buildHandler()
	if err != nil {
		log.Fatalf("failed to build graphql handler: %v", err)
	}

	adapter, err := listener.New(listener.Config{
		Handler: handler,
		DevMode: devMode,
	})
	if err != nil {
		log.Fatalf("failed to create listener adapter: %v", err)
	}

	metrics := NewMetrics()
	mux := http.NewServeMux()
	hub := listener.NewHub()

	wsUpgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// dev tooling connects from file:// and localhost origins
			return true
		},
	}

	// GraphQL endpoint
	mux.Handle(cfg.GraphQLPath, instrument(metrics, cfg.MaxBodyBytes, adapter))

	// Schema hot reload (if enabled)
	if cfg.HotReload {
		watcher, err := listener.WatchSchema(adapter, schemaPath, buildHandler, hub)
		if err != nil {
			log.Println("Hot reload disabled:", err)
		} else {
			defer watcher.Close()
			log.Println("Hot reload enabled for", schemaPath)
		}
	}

	// reloadNow rebuilds regardless of whether the watcher is running
	reloadNow := func() error {
		h, err := buildHandler()
		if err != nil {
			return err
		}
		adapter.Swap(h)
		hub.Publish("schema", "reloaded", map[string]string{"at": time.Now().Format(time.RFC3339)})
		return nil
	}

	// Health summary
	mux.HandleFunc("/__gateway/health", requireAdmin(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"schema_path": schemaPath,
			"hot_reload":  cfg.HotReload,
			"dev_mode":    devMode,
		})
	}))

	// Force a schema reload
	mux.HandleFunc("/__gateway/reload", requireAdmin(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := reloadNow(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "ok",
			"note":   "schema handler rebuilt and swapped",
		})
	}))

	// Metrics endpoint
	mux.HandleFunc("/__gateway/metrics", requireAdmin(func(w http.ResponseWriter, r *http.Request) {
		snap := metrics.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			http.Error(w, "failed to encode metrics", http.StatusInternalServerError)
		}
	}))

	// Schema reload event stream for dev tooling (GraphiQL auto-refresh etc.)
	mux.HandleFunc("/__gateway/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[ws] upgrade error: %v", err)
			return
		}

		defer conn.Close()

		client := hub.Subscribe("schema")
		defer hub.Unsubscribe("schema", client)

		done := make(chan struct{})

		// writer goroutine
		go func() {
			defer close(done)

			for ev := range client.Send {
				if err := conn.WriteJSON(ev); err != nil {
					log.Printf("[ws] write error: %v", err)
					return
				}
			}
		}()

		// reader loop: clients don't send anything meaningful, but reading
		// is how we notice the connection closing
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseNormalClosure,
					websocket.CloseAbnormalClosure,
				) {
					return
				}
				log.Printf("[ws] read error: %v", err)
				return
			}
		}
	})

	// Resolve listen address: APP_SERVER_ADDR env or default
	addr := os.Getenv("APP_SERVER_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	httpSrv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	// Graceful shutdown on SIGINT/SIGTERM
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-shutdownCh
		log.Println("[shutdown] signal received, shutting down HTTP server...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpSrv.Shutdown(ctx); err != nil {
			log.Printf("[shutdown] http server shutdown error: %v", err)
		} else {
			log.Println("[shutdown] http server shut down cleanly")
		}
	}()

	// Startup banner / config summary
	log.Println("=============================================")
	log.Printf(" GraphQL gateway listening on %s", addr)
	log.Println("=============================================")
	log.Printf(" Endpoint: %s", cfg.GraphQLPath)
	log.Printf(" Schema: %s", schemaPath)
	log.Printf(" Hot reload: %v", cfg.HotReload)
	log.Printf(" Dev mode: %v", devMode)
	log.Printf(" Max body: %d bytes", cfg.MaxBodyBytes)
	log.Println("=============================================")

	// Start HTTP server (blocks until shutdown)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[server] listen error: %v", err)
	}
}

type GatewayConfig struct {
	GraphQLPath  string `json:"graphql_path"`
	SchemaPath   string `json:"schema_path"`
	HotReload    bool   `json:"hot_reload"`
	MaxBodyBytes int64  `json:"max_body_bytes"`
	MaxDepth     int    `json:"max_depth"`
}

// defaultConfig returns sane defaults when gateway.json is missing or
// invalid.
func defaultConfig() *GatewayConfig {
	return &GatewayConfig{
		GraphQLPath:  "/graphql",
		SchemaPath:   "schema.graphql",
		HotReload:    false,
		MaxBodyBytes: 1 << 20, // 1 MiB
		MaxDepth:     0,       // unlimited
	}
}

// loadConfig tries to read gateway.json from projectRoot; falls back to
// defaults on any error.
func loadConfig(projectRoot string) *GatewayConfig {
	cfgPath := filepath.Join(projectRoot, "gateway.json")

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		log.Printf("[config] no gateway.json found at %s, using defaults: %v", cfgPath, err)
		return defaultConfig()
	}

	var cfg GatewayConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.Printf("[config] invalid gateway.json (%s), using defaults: %v", cfgPath, err)
		return defaultConfig()
	}

	def := defaultConfig()

	if cfg.GraphQLPath == "" {
		cfg.GraphQLPath = def.GraphQLPath
	}
	if !strings.HasPrefix(cfg.GraphQLPath, "/") {
		log.Printf("[config] graphql_path=%q does not start with '/', fixing", cfg.GraphQLPath)
		cfg.GraphQLPath = "/" + cfg.GraphQLPath
	}

	if cfg.SchemaPath == "" {
		log.Printf("[config] schema_path missing, falling back to %q", def.SchemaPath)
		cfg.SchemaPath = def.SchemaPath
	}

	if cfg.MaxBodyBytes <= 0 {
		log.Printf("[config] max_body_bytes=%d is invalid, falling back to %d", cfg.MaxBodyBytes, def.MaxBodyBytes)
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}

	if cfg.MaxDepth < 0 {
		log.Printf("[config] max_depth=%d is invalid, falling back to %d", cfg.MaxDepth, def.MaxDepth)
		cfg.MaxDepth = def.MaxDepth
	}

	return &cfg
}
