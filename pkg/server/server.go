// Package server exposes the simulator over the HTTP API used by the simulator UI.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/illmade-knight/go-iot-simulator/pkg/device"
	"github.com/illmade-knight/go-iot-simulator/pkg/simulator"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the HTTP settings.
type Config struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	InputsFile      string        `yaml:"inputs_file"`
	// HubHostName is shown by the UI next to the device picker.
	HubHostName string `yaml:"hub_host_name"`
	// PreselectedDevice is added to the UI's device selection on load.
	PreselectedDevice string `yaml:"preselected_device"`
}

// DefaultConfig provides sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            "localhost:8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		AllowedOrigins:  []string{"*"},
	}
}

// Dispatcher is the part of *simulator.Dispatcher the API drives.
type Dispatcher interface {
	Start(ctx context.Context, req simulator.Request) (*simulator.Run, error)
	Cancel()
	Status() simulator.AggregateStatus
}

// Server serves the simulator API.
type Server struct {
	config     Config
	dispatcher Dispatcher
	registry   device.Registry
	inputs     *InputStore
	validate   *validator.Validate
	logger     zerolog.Logger
}

// New creates a Server. registry may be nil, in which case the device list is empty and
// sends must name connection strings.
func New(cfg Config, dispatcher Dispatcher, registry device.Registry, inputs *InputStore, logger zerolog.Logger) (*Server, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher cannot be nil")
	}
	if inputs == nil {
		var err error
		if inputs, err = NewInputStore("", logger); err != nil {
			return nil, err
		}
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = DefaultConfig().AllowedOrigins
	}
	return &Server{
		config:     cfg,
		dispatcher: dispatcher,
		registry:   registry,
		inputs:     inputs,
		validate:   validator.New(),
		logger:     logger.With().Str("component", "Server").Logger(),
	}, nil
}

// Handler returns the HTTP handler of the API.
//
// Implemented routes:
// - GET  /api/getinputdevicelist
// - GET  /api/getiothubhostname
// - GET  /api/getpreselected
// - GET  /api/polling
// - GET  /api/getpersistedinputs
// - POST /api/send
// - POST /api/cancel
// - POST /api/generaterandomjson
// - POST /api/presistinputs
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/getinputdevicelist", s.getInputDeviceList)
		r.Get("/getiothubhostname", s.getHubHostName)
		r.Get("/getpreselected", s.getPreselected)
		r.Get("/polling", s.polling)
		r.Get("/getpersistedinputs", s.getPersistedInputs)
		r.Post("/send", s.send)
		r.Post("/cancel", s.cancel)
		r.Post("/generaterandomjson", s.generateRandomJSON)
		// The misspelling is the route the simulator UI calls.
		r.Post("/presistinputs", s.persistInputs)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "I don't have that")
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"Origin", "X-Requested-With", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
	}
	shutdownTimeout := s.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("Simulator API listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info().Msg("Shutting down simulator API")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request handled")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
