package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"pastelite/cfg"
	"pastelite/svc/svc"
	"pastelite/svc/util"
)

type Server struct {
	router     *chi.Mux
	paste      *svc.Paste
	cfg        *cfg.Cfg
	probes     []Probe
	httpServer *http.Server
}

// NewServer wires every route. Storage is always probed by /ready; extra
// probes (e.g. the KMS) are appended.
func NewServer(c *cfg.Cfg, p *svc.Paste, probes ...Probe) *Server {
	s := &Server{
		paste:  p,
		cfg:    c,
		probes: append([]Probe{{Name: "storage", Check: p.Ping}}, probes...),
	}
	r := chi.NewRouter()
	mw := NewMw(c)
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.BasicAuthMetrics)
		r.Handle("/metrics", promhttp.Handler())
		if c.Environment != "production" {
			r.Mount("/debug", middleware.Profiler())
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("client_ip", util.RedactIP(req.RemoteAddr)).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		if c.TrustProxy {
			r.Use(middleware.RealIP)
		}
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.Instrument)

		hdl := &Hdl{paste: p, cfg: c}
		r.Route("/api", func(r chi.Router) {
			r.Use(mw.CORS)
			r.Use(mw.JSONContentType)
			r.Post("/pastes", hdl.CreatePaste)
			r.Get("/pastes/{id}", hdl.GetPaste)
			r.Get("/healthz", s.Healthz)
		})
		r.Get("/p/{id}", hdl.ViewPaste)
		r.Get("/", hdl.Index)
	})
	s.router = r
	s.httpServer = &http.Server{
		Addr:              ":" + c.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    256 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
