package server

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TobiSchelling/trialwatch/internal/database"
	"github.com/TobiSchelling/trialwatch/internal/logging"
	"github.com/TobiSchelling/trialwatch/internal/notify"
	"github.com/TobiSchelling/trialwatch/internal/rank"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Server is the read-only dashboard over trigger events and their deltas.
type Server struct {
	db     *database.DB
	topN   int
	pages  map[string]*template.Template
	mux    *http.ServeMux
	logger logging.Logger
}

// New creates a new Server. topN bounds the ranked posts in each summary.
func New(db *database.DB, topN int, logger logging.Logger) (*Server, error) {
	if topN <= 0 {
		topN = rank.DefaultTopN
	}
	funcMap := template.FuncMap{
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
		"num": func(n *int64) string {
			if n == nil {
				return "n/a"
			}
			return strconv.FormatInt(*n, 10)
		},
		"ts": func(t time.Time) string {
			return t.UTC().Format("2006-01-02 15:04 UTC")
		},
		"pct": func(f float64) string {
			return fmt.Sprintf("%.1f%%", f)
		},
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of base so {{define "content"}} does not collide.
	pageNames := []string{"index.html", "event.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{db: db, topN: topN, pages: pages, mux: http.NewServeMux(), logger: logger}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/events/", s.handleEvent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.db.GetStats(r.Context()); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok\n"))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	app := strings.TrimSpace(r.URL.Query().Get("app"))
	events, err := s.db.ListEvents(r.Context(), app, 100)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	stats, err := s.db.GetStats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.render(w, "index.html", map[string]any{
		"Events": events,
		"Stats":  stats,
		"App":    app,
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/events/"), 10, 64)
	if err != nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	ev, err := s.db.GetEvent(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ev == nil {
		http.NotFound(w, r)
		return
	}

	deltas, err := s.db.DeltasForEvent(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ranked := rank.Score(deltas)

	_, body := notify.Compose(notify.NewSummary(*ev, rank.Top(ranked, s.topN)))
	summary, err := notify.RenderHTML(body)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.render(w, "event.html", map[string]any{
		"Event":   ev,
		"Ranked":  ranked,
		"Summary": template.HTML(summary), //nolint: gosec
	})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.logger.Errorf("Template %s not found", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		s.logger.WithError(err).Errorf("Error rendering template %s", name)
	}
}

// Serve starts the HTTP server on the given port.
func Serve(db *database.DB, port, topN int, logger logging.Logger) error {
	srv, err := New(db, topN, logger)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	logger.Infof("Server listening on http://%s", addr)
	return http.ListenAndServe(addr, srv.Handler())
}
