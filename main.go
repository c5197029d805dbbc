package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"image/png"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	"github.com/lumonic/xframe/appconfig"
	"github.com/lumonic/xframe/auth"
	"github.com/lumonic/xframe/catalog"
	"github.com/lumonic/xframe/frame"
	"github.com/lumonic/xframe/jobqueue"
	"github.com/lumonic/xframe/runners"
	"github.com/lumonic/xframe/stream"
	"github.com/lumonic/xframe/tasks"
)

// previewCacheSize caps how many rendered previews stay in memory.
const previewCacheSize = 64

// Dependencies holds the shared server state handed to handlers.
type Dependencies struct {
	Queue    *jobqueue.Queue
	DB       *sql.DB
	Auth     *auth.Service
	Previews *lru.Cache[string, []byte]
}

var (
	srv            *http.Server
	currentRunners *runners.Runners
)

func initDB() (*sql.DB, error) {
	// Load config (creates default config if doesn't exist)
	cfg, _, err := appconfig.Load()
	if err != nil {
		return nil, err
	}
	dbPath := cfg.DBPath
	log.Printf("Using database path from config: %s", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %v", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	if err := catalog.EnsureSchema(db); err != nil {
		log.Printf("warning: failed to initialize catalog schema: %v", err)
	}
	if err := ensureIndexes(db); err != nil {
		log.Printf("warning: failed to ensure indexes: %v", err)
	}

	log.Printf("Connected to SQLite database at: %s", dbPath)
	return db, nil
}

// ensureIndexes creates recommended indexes if the related tables exist.
func ensureIndexes(db *sql.DB) error {
	tableExists := func(name string) bool {
		var cnt int
		_ = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&cnt)
		return cnt > 0
	}

	if tableExists("frames") {
		stmts := []string{
			"CREATE INDEX IF NOT EXISTS idx_frames_kind ON frames(kind)",
			"CREATE INDEX IF NOT EXISTS idx_frames_source ON frames(source) WHERE source IS NOT NULL AND source <> ''",
			"CREATE INDEX IF NOT EXISTS idx_frames_created_at ON frames(created_at)",
		}
		for _, s := range stmts {
			if _, err := db.Exec(s); err != nil {
				return fmt.Errorf("creating index failed: %w", err)
			}
		}
	}

	return nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

// requireAuth rejects requests without a valid bearer token.
func requireAuth(deps *Dependencies, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := deps.Auth.VerifyToken(token); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func readJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func loginHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := readJSONBody(r, &req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}

		token, err := deps.Auth.Login(req.Username, req.Password)
		if err != nil {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

func jobsHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, deps.Queue.GetJobs())
		case http.MethodPost:
			var req struct {
				Task         string   `json:"task"`
				Input        string   `json:"input"`
				Args         []string `json:"args"`
				Dependencies []string `json:"dependencies"`
			}
			if err := readJSONBody(r, &req); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
			if _, exists := tasks.GetTasks()[req.Task]; !exists {
				http.Error(w, "unknown task: "+req.Task, http.StatusBadRequest)
				return
			}

			id, err := deps.Queue.AddJob(req.Task, req.Input, req.Args, req.Dependencies)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]string{"id": id})
		default:
			http.Error(w, "Use GET or POST", http.StatusMethodNotAllowed)
		}
	}
}

func jobDetailHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}

		job := deps.Queue.GetJob(r.PathValue("id"))
		if job == nil {
			http.NotFound(w, r)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"job":    job,
			"stdout": job.Stdout,
		})
	}
}

func cancelJobHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		if err := deps.Queue.CancelJob(r.PathValue("id")); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func removeJobHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		if err := deps.Queue.RemoveJob(r.PathValue("id")); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func clearJobsHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		cleared, err := deps.Queue.ClearFinishedJobs()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
	}
}

func tasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, tasks.GetTasks())
	}
}

func framesHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}

		kind := r.URL.Query().Get("kind")
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				limit = n
			}
		}

		records, err := catalog.List(deps.DB, kind, limit)
		if err != nil {
			http.Error(w, "Error fetching frames", http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []catalog.Record{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

// framePreviewHandler renders a downscaled PNG preview of a catalogued
// frame. Only catalogued paths are served. Rendered previews are kept in
// an LRU cache keyed by path and size.
func framePreviewHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}

		path := r.URL.Query().Get("path")
		if path == "" {
			http.Error(w, "missing path parameter", http.StatusBadRequest)
			return
		}

		cfg := appconfig.Get()
		maxDim := cfg.PreviewMaxDim
		if s := r.URL.Query().Get("max"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				maxDim = n
			}
		}

		rec, err := catalog.Get(deps.DB, path)
		if err != nil {
			http.NotFound(w, r)
			return
		}

		// Catalogued PNGs are served as-is.
		if rec.Kind == catalog.KindPNG {
			http.ServeFile(w, r, rec.Path)
			return
		}

		cacheKey := fmt.Sprintf("%s|%d", rec.Path, maxDim)
		if data, ok := deps.Previews.Get(cacheKey); ok {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(data)
			return
		}

		width, height := rec.Width, rec.Height
		if width == 0 || height == 0 {
			width, height = cfg.FrameWidth, cfg.FrameHeight
		}
		f, err := frame.ReadRaw(rec.Path, width, height, frame.ByteOrder(cfg.Endianness))
		if err != nil {
			http.Error(w, "Error reading frame", http.StatusInternalServerError)
			return
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, f.Preview(maxDim)); err != nil {
			http.Error(w, "Error encoding preview", http.StatusInternalServerError)
			return
		}
		deps.Previews.Add(cacheKey, buf.Bytes())

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}
}

func configHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, appconfig.Get())
		case http.MethodPut:
			var c appconfig.Config
			if err := readJSONBody(r, &c); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
			if _, err := appconfig.Save(c); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, appconfig.Get())
		default:
			http.Error(w, "Use GET or PUT", http.StatusMethodNotAllowed)
		}
	}
}

func healthHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}

		jobs := deps.Queue.GetJobs()
		jobStats := map[string]int{
			"total":       len(jobs),
			"pending":     0,
			"in_progress": 0,
			"completed":   0,
			"cancelled":   0,
			"error":       0,
		}
		for _, job := range jobs {
			switch job.State {
			case jobqueue.StatePending:
				jobStats["pending"]++
			case jobqueue.StateInProgress:
				jobStats["in_progress"]++
			case jobqueue.StateCompleted:
				jobStats["completed"]++
			case jobqueue.StateCancelled:
				jobStats["cancelled"]++
			case jobqueue.StateError:
				jobStats["error"]++
			}
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().Unix(),
			"stream":    stream.Stats(),
			"jobs":      jobStats,
		})
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

func main() {
	configDir := flag.String("config", "", "directory holding config.json (defaults to the platform data dir)")
	listen := flag.String("listen", "", "listen address override")
	flag.Parse()

	if *configDir != "" {
		appconfig.SetConfigDir(*configDir)
	}

	db, err := initDB()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	cfg := appconfig.Get()

	authService := auth.NewService(db, cfg.JWTSecret)
	if err := authService.EnsureSchema(); err != nil {
		log.Fatalf("Failed to initialize users table: %v", err)
	}
	if err := authService.CreateDefaultUser(); err != nil {
		log.Printf("warning: failed to create default user: %v", err)
	}

	log.Println("Initializing job queue with database persistence...")
	queue := jobqueue.NewQueueWithDB(db)
	log.Printf("Job queue initialized. Current jobs: %d", len(queue.GetJobs()))
	queue.SetLaneLimit("convert", cfg.Workers)
	queue.SetLaneLimit("denoise", cfg.Workers)
	currentRunners = runners.New(queue)

	previews, err := lru.New[string, []byte](previewCacheSize)
	if err != nil {
		log.Fatalf("Failed to create preview cache: %v", err)
	}

	deps := &Dependencies{
		Queue:    queue,
		DB:       db,
		Auth:     authService,
		Previews: previews,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/login", loginHandler(deps))
	mux.HandleFunc("/health", healthHandler(deps))
	mux.HandleFunc("/events", stream.Handler)
	mux.HandleFunc("/jobs", requireAuth(deps, jobsHandler(deps)))
	mux.HandleFunc("/jobs/clear", requireAuth(deps, clearJobsHandler(deps)))
	mux.HandleFunc("/job/{id}", requireAuth(deps, jobDetailHandler(deps)))
	mux.HandleFunc("/job/{id}/cancel", requireAuth(deps, cancelJobHandler(deps)))
	mux.HandleFunc("/job/{id}/remove", requireAuth(deps, removeJobHandler(deps)))
	mux.HandleFunc("/tasks", requireAuth(deps, tasksHandler()))
	mux.HandleFunc("/frames", requireAuth(deps, framesHandler(deps)))
	mux.HandleFunc("/frames/preview", requireAuth(deps, framePreviewHandler(deps)))
	mux.HandleFunc("/config", requireAuth(deps, configHandler()))

	addr := cfg.ListenAddr
	if *listen != "" {
		addr = *listen
	}
	srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		log.Printf("xframe-server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("xframe-server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdown(deps)
}

func shutdown(deps *Dependencies) {
	log.Println("Shutting down xframe server...")

	if currentRunners != nil {
		log.Println("Shutting down job runners...")
		currentRunners.Shutdown()
		log.Println("Job runners shut down successfully")
	}

	log.Println("Shutting down stream connections...")
	stream.Shutdown()

	if deps != nil && deps.Queue != nil {
		log.Println("Saving job queue to database...")
		if err := deps.Queue.SaveAllJobsToDB(); err != nil {
			log.Printf("Error saving jobs to database: %v", err)
		} else {
			log.Println("Job queue saved successfully")
		}
	}

	log.Println("Shutting down HTTP server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	} else {
		log.Println("HTTP server shutdown complete")
	}

	log.Println("xframe server shutdown complete")
}
