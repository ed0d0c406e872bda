// Package api wires the HTTP routes onto auth, listing and streaming.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	"github.com/dustin/go-humanize"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/routegroup"
	"go.uber.org/zap"

	"github.com/fruitsalade/mediavault/internal/auth"
	"github.com/fruitsalade/mediavault/internal/listing"
	"github.com/fruitsalade/mediavault/internal/logging"
	"github.com/fruitsalade/mediavault/internal/media"
	"github.com/fruitsalade/mediavault/internal/metrics"
	"github.com/fruitsalade/mediavault/internal/pathsafe"
	"github.com/fruitsalade/mediavault/internal/protocol"
	"github.com/fruitsalade/mediavault/internal/ratelimit"
	"github.com/fruitsalade/mediavault/internal/stream"
)

const maxLoginBody = 64 << 10

// Routes are the metric labels for known paths.
var routes = []string{
	"/",
	"/health",
	"/ping",
	"/api/auth/login",
	"/api/files/list",
	"/api/files/download",
	"/api/stream/audio",
	"/api/stream/video",
	"/api/stream/token",
}

// Options holds the HTTP-level settings.
type Options struct {
	Version        string
	FrontendURL    string        // the only CORS origin
	RequestTimeout time.Duration // login and list only
	RateLimitRPS   float64       // global per-IP throttle, 0 disables
	TrustProxy     bool          // take the client IP from X-Forwarded-For / X-Real-IP
}

// Server is the HTTP API server.
type Server struct {
	resolver *pathsafe.Resolver
	auth     *auth.Authenticator
	limiter  *ratelimit.Limiter
	listing  *listing.Service
	opts     Options
}

// NewServer creates a new API server.
func NewServer(
	resolver *pathsafe.Resolver,
	authn *auth.Authenticator,
	loginLimiter *ratelimit.Limiter,
	lister *listing.Service,
	opts Options,
) *Server {
	return &Server{
		resolver: resolver,
		auth:     authn,
		limiter:  loginLimiter,
		listing:  lister,
		opts:     opts,
	}
}

// Handler returns the HTTP handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	router := routegroup.New(mux)

	// Public endpoints
	router.HandleFunc("GET /{$}", s.handleStatus)
	router.HandleFunc("GET /health", s.handleHealth)

	// Non-streaming endpoints run under REQUEST_TIMEOUT
	router.Group().Route(func(timed *routegroup.Bundle) {
		timed.Use(timeout(s.opts.RequestTimeout))

		timed.Group().Route(func(login *routegroup.Bundle) {
			login.Use(rest.SizeLimit(maxLoginBody), ratelimit.Middleware(s.limiter))
			login.HandleFunc("POST /api/auth/login", s.handleLogin)
		})

		timed.Group().Route(func(protected *routegroup.Bundle) {
			protected.Use(s.auth.Middleware)
			protected.HandleFunc("GET /api/files/list", s.handleList)
			protected.HandleFunc("GET /api/stream/token", s.handleStreamToken)
		})
	})

	// Byte-serving endpoints also accept file-scoped stream tokens
	router.Group().Route(func(files *routegroup.Bundle) {
		files.Use(s.auth.MediaMiddleware)
		files.HandleFunc("GET /api/files/download", s.handleDownload)
		files.HandleFunc("GET /api/stream/audio", s.handleAudio)
		files.HandleFunc("GET /api/stream/video", s.handleVideo)
	})

	var h http.Handler = router
	h = s.cors(h)
	h = securityHeaders(h)
	h = rest.AppInfo("mediavault", "fruitsalade", s.opts.Version)(rest.Ping(h))
	if s.opts.RateLimitRPS > 0 {
		lmt := tollbooth.NewLimiter(s.opts.RateLimitRPS, nil)
		lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})
		lmt.SetMessageContentType("application/json")
		lmt.SetMessage(`{"error":"rate limit exceeded","code":429}`)
		h = tollbooth.HTTPMiddleware(lmt)(h)
	}
	h = logging.Middleware(h)
	h = metrics.Middleware(routes...)(h)
	h = rest.Recoverer(recoverLog{})(h)
	// Forwarding headers are client-controlled unless a proxy rewrites them.
	if s.opts.TrustProxy {
		h = rest.RealIP(h)
	}
	return h
}

// ─── Status ─────────────────────────────────────────────────────────────────

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	protocol.WriteJSON(w, http.StatusOK, protocol.StatusResponse{
		Message: "mediavault file server",
		Version: s.opts.Version,
		Status:  "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	protocol.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Auth ───────────────────────────────────────────────────────────────────

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req protocol.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		protocol.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Password == "" {
		protocol.WriteError(w, http.StatusBadRequest, "password required")
		return
	}

	tok, err := s.auth.Login(req.Password)
	if errors.Is(err, auth.ErrUnauthorized) {
		logging.WithContext(r.Context()).Warn("login failed", zap.String("client", ratelimit.ClientKey(r)))
		protocol.WriteError(w, http.StatusUnauthorized, "invalid password")
		return
	}
	if err != nil {
		logging.WithContext(r.Context()).Error("login error", zap.Error(err))
		protocol.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	logging.WithContext(r.Context()).Info("login successful", zap.String("client", ratelimit.ClientKey(r)))
	protocol.WriteJSON(w, http.StatusOK, protocol.LoginResponse{
		Token:     tok.Value,
		Message:   "login successful",
		ExpiresAt: tok.ExpiresAt,
	})
}

func (s *Server) handleStreamToken(w http.ResponseWriter, r *http.Request) {
	abs, ok := s.resolve(w, r)
	if !ok {
		return
	}
	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		protocol.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	rel, _ := s.resolver.Rel(abs)

	tok, err := s.auth.IssueStreamToken(rel)
	if err != nil {
		logging.WithContext(r.Context()).Error("stream token error", zap.Error(err))
		protocol.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	protocol.WriteJSON(w, http.StatusOK, protocol.StreamTokenResponse{
		Token:     tok.Value,
		Path:      rel,
		ExpiresAt: tok.ExpiresAt,
	})
}

// ─── Listing ────────────────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	abs, ok := s.resolve(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	result, err := s.listing.List(r.Context(), abs, listing.Options{
		Sort:   listing.ParseSortKey(q.Get("sort_by")),
		Search: q.Get("search"),
	})
	switch {
	case err == nil:
		protocol.WriteJSON(w, http.StatusOK, result)
	case errors.Is(err, listing.ErrNotFound), errors.Is(err, pathsafe.ErrTraversal):
		protocol.WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, context.DeadlineExceeded):
		logging.WithContext(r.Context()).Warn("listing timed out", zap.String("path", q.Get("path")))
		protocol.WriteError(w, http.StatusServiceUnavailable, "request timed out")
	case errors.Is(err, context.Canceled):
		// Client went away.
	default:
		logging.WithContext(r.Context()).Error("listing failed", zap.Error(err))
		protocol.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

// ─── Content ────────────────────────────────────────────────────────────────

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.serveFile(w, r, "download", "", stream.Options{
		ChunkSize:  stream.DefaultChunkSize,
		Attachment: true,
	})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	s.serveFile(w, r, "audio", media.Audio, stream.Options{ChunkSize: stream.AudioChunkSize})
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	s.serveFile(w, r, "video", media.Video, stream.Options{ChunkSize: stream.VideoChunkSize})
}

// serveFile streams ?path= with Range support. A non-empty kind restricts
// the route to files of that media kind.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, route string, kind media.Kind, opts stream.Options) {
	abs, ok := s.resolve(w, r)
	if !ok {
		return
	}
	logger := logging.WithContext(r.Context())

	// Refuse the wrong kind before the file is opened or the range parsed.
	if kind != "" && media.KindOf(abs) != kind {
		protocol.WriteError(w, http.StatusUnsupportedMediaType, fmt.Sprintf("unsupported media type: %s file required", kind))
		return
	}

	resp, err := stream.Open(abs, r.Header.Get("Range"), opts)
	if err != nil {
		var re *stream.RangeError
		switch {
		case errors.Is(err, stream.ErrNotFound), errors.Is(err, stream.ErrNotFile):
			protocol.WriteError(w, http.StatusNotFound, "not found")
		case errors.As(err, &re):
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", re.Size))
			protocol.WriteError(w, http.StatusRequestedRangeNotSatisfiable, "range not satisfiable")
		default:
			logger.Error("open failed", zap.String("route", route), zap.Error(err))
			protocol.WriteError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	resp.WriteHeader(w)
	if r.Method == http.MethodHead {
		resp.Close()
		return
	}

	done := metrics.StreamStarted()
	defer done()

	n, err := resp.WriteTo(r.Context(), w)
	metrics.RecordStream(route, n, err == nil)
	if err != nil {
		logger.Debug("stream aborted",
			zap.String("route", route),
			zap.String("sent", humanize.Bytes(uint64(n))),
			zap.String("total", humanize.Bytes(uint64(resp.Length))),
			zap.Error(err))
		return
	}
	logger.Debug("stream finished",
		zap.String("route", route),
		zap.Int("status", resp.Status),
		zap.String("sent", humanize.Bytes(uint64(n))))
}

// resolve maps ?path= onto the root. Paths that escape it are reported as
// not found so their existence is never confirmed.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (string, bool) {
	abs, err := s.resolver.Resolve(r.URL.Query().Get("path"))
	if err == nil {
		return abs, true
	}

	var pe *pathsafe.PathError
	if errors.As(err, &pe) {
		metrics.RecordPathRejection()
		logging.WithContext(r.Context()).Warn("path rejected",
			zap.String("reason", pe.Reason),
			zap.String("client", ratelimit.ClientKey(r)))
		protocol.WriteError(w, http.StatusNotFound, "not found")
		return "", false
	}

	logging.WithContext(r.Context()).Error("path resolution failed", zap.Error(err))
	protocol.WriteError(w, http.StatusInternalServerError, "internal error")
	return "", false
}
