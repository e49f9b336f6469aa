// Package debug serves the operator HTTP endpoints: Prometheus metrics,
// health, ledger/quota stats and pprof.
//
// Security: bind to localhost (default). A non-loopback address requires a
// token; requests then need "Authorization: Bearer <token>" or ?token=.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bulksend/internal/ledger"
	"bulksend/internal/quota"
	"bulksend/internal/runtime/supervisor"
	logx "bulksend/pkg/logx"
)

var ErrInsecureBind = errors.New("debug: non-loopback addr requires a token")

type Config struct {
	Addr  string
	Token string
}

// LedgerView is the read side of the ledger the endpoints need.
type LedgerView interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (ledger.Stats, error)
}

// Sources feed /healthz and /stats. Quota and Tasks may be nil.
type Sources struct {
	Ledger LedgerView
	Quota  func() quota.Snapshot
	Tasks  func() []supervisor.TaskStats
}

type statsResponse struct {
	Ledger ledger.Stats           `json:"ledger"`
	Quota  *quota.Snapshot        `json:"quota,omitempty"`
	Tasks  []supervisor.TaskStats `json:"tasks,omitempty"`
}

// NewRouter builds the handler tree.
func NewRouter(cfg Config, src Sources) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(bearer(cfg.Token))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if src.Ledger != nil {
			if err := src.Ledger.Ping(r.Context()); err != nil {
				http.Error(w, "ledger: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		var resp statsResponse
		if src.Ledger != nil {
			st, err := src.Ledger.Stats(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			resp.Ledger = st
		}
		if src.Quota != nil {
			snap := src.Quota()
			resp.Quota = &snap
		}
		if src.Tasks != nil {
			resp.Tasks = src.Tasks()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	r.Mount("/debug", middleware.Profiler())
	return r
}

// Server runs the router on Config.Addr.
type Server struct {
	cfg Config
	h   http.Handler
	log logx.Logger
}

func New(cfg Config, src Sources, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:9090"
	}
	return &Server{cfg: cfg, h: NewRouter(cfg, src), log: log.With(logx.String("comp", "debug"))}
}

// Serve listens until ctx ends. It refuses a public bind without a token.
func (s *Server) Serve(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.Token) == "" && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Error("debug server refused to start", logx.String("addr", s.cfg.Addr))
		return ErrInsecureBind
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.log.Info("debug server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("debug server exited unexpectedly")
	}
	return err
}

func bearer(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" && got == tok {
				next.ServeHTTP(w, r)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		})
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
