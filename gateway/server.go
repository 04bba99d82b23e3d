// Package gateway is the paid write-path HTTP surface: signed and
// server-signed data-item uploads with x402 payment admission, multipart
// chunked uploads with deposit coupling, price quotes, and receipt/offset
// lookups. Every route is offered both at the root and under /v1.
package gateway

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bundlergw/dataitem"
	"bundlergw/ledger"
	"bundlergw/multipart"
	"bundlergw/objectstore"
	"bundlergw/observability/metrics"
	"bundlergw/pipeline"
	"bundlergw/pricing"
	"bundlergw/queue"
	"bundlergw/storage"
	"bundlergw/x402"
)

// Version reported by /info.
const Version = "0.2.0"

// NetworkConfig carries the per-network payment parameters quoted in 402
// documents and enforced at verification time.
type NetworkConfig struct {
	ChainID      int64
	PayTo        string
	Asset        string
	AssetName    string
	AssetVersion string
}

// Config captures the dependencies and policy required to construct the
// server.
type Config struct {
	Store        *storage.Store
	Objects      objectstore.Store
	Ledger       *ledger.Ledger
	Oracle       *pricing.Oracle
	Verifier     *x402.Verifier
	Facilitators *x402.FacilitatorPool
	Wallet       *dataitem.Wallet
	Uploads      *multipart.Coordinator
	Chain        pipeline.ChainClient
	Jobs         Enqueuer
	Logger       *slog.Logger

	Networks       map[string]NetworkConfig
	DefaultNetwork string

	// FreeUploadLimitBytes enables the free tier when positive: signed
	// uploads at or under the limit skip payment entirely.
	FreeUploadLimitBytes int64
	// Whitelist of owner addresses admitted without payment.
	Whitelist []string
	// AllowListedSignatureTypes admitted without payment, regardless of size.
	AllowListedSignatureTypes []int
	// RawUploadsEnabled gates the unsigned path.
	RawUploadsEnabled bool

	// DeadlineHeightDelta is added to the chain tip for receipt deadlines.
	DeadlineHeightDelta int64
	DataCaches          []string
	FastFinalityIndexes []string

	// PaymentTimeoutSeconds advertised in 402 documents.
	PaymentTimeoutSeconds int
}

// Enqueuer is the slice of the job queue the gateway produces into.
type Enqueuer interface {
	Enqueue(queueName string, payload any, opts ...queue.EnqueueOption) (string, error)
}

// Server is the HTTP API. Construct with New.
type Server struct {
	cfg     Config
	store   *storage.Store
	objects objectstore.Store
	ledger  *ledger.Ledger
	oracle  *pricing.Oracle
	wallet  *dataitem.Wallet
	uploads *multipart.Coordinator
	chain   pipeline.ChainClient
	jobs    Enqueuer
	log     *slog.Logger
	metrics *metrics.BundlerMetrics

	whitelist   map[string]bool
	allowedSigs map[int]bool

	nowFn  func() time.Time
	router http.Handler
}

// Option customises a Server.
type Option func(*Server)

// WithClock overrides the wall clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.nowFn = now }
}

// New constructs the configured router.
func New(cfg Config, opts ...Option) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DeadlineHeightDelta <= 0 {
		cfg.DeadlineHeightDelta = 200
	}
	if cfg.PaymentTimeoutSeconds <= 0 {
		cfg.PaymentTimeoutSeconds = 3600
	}
	if cfg.DefaultNetwork == "" {
		cfg.DefaultNetwork = "base"
	}
	srv := &Server{
		cfg:         cfg,
		store:       cfg.Store,
		objects:     cfg.Objects,
		ledger:      cfg.Ledger,
		oracle:      cfg.Oracle,
		wallet:      cfg.Wallet,
		uploads:     cfg.Uploads,
		chain:       cfg.Chain,
		jobs:        cfg.Jobs,
		log:         cfg.Logger.With("component", "gateway"),
		metrics:     metrics.Bundler(),
		whitelist:   make(map[string]bool, len(cfg.Whitelist)),
		allowedSigs: make(map[int]bool, len(cfg.AllowListedSignatureTypes)),
		nowFn:       time.Now,
	}
	for _, addr := range cfg.Whitelist {
		srv.whitelist[strings.ToLower(strings.TrimSpace(addr))] = true
	}
	for _, st := range cfg.AllowListedSignatureTypes {
		srv.allowedSigs[st] = true
	}
	for _, opt := range opts {
		opt(srv)
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	s.mountRoutes(r)
	r.Route("/v1", func(v1 chi.Router) {
		s.mountRoutes(v1)
	})
	return r
}

func (s *Server) mountRoutes(r chi.Router) {
	r.Get("/", s.handleInfo)
	r.Get("/info", s.handleInfo)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/bundler_metrics", promhttp.Handler())

	r.Post("/x402/upload/signed", s.handleSignedUpload)
	r.Post("/x402/upload/unsigned", s.handleUnsignedUpload)
	r.Post("/tx", s.handleLegacyTx)
	r.Post("/tx/{token}", s.handleLegacyTx)

	r.Get("/x402/price/{signatureType}/{address}", s.handleLegacyPrice)
	r.Post("/x402/payment/{signatureType}/{address}", s.handleLegacyPayment)
	r.Get("/price/x402/data-item/{token}/{byteCount}", s.handleDataItemPrice)
	r.Get("/price/x402/data/{token}/{byteCount}", s.handleDataPrice)

	r.Get("/chunks/{token}/{uploadID}/{offset}", s.handleChunkGet)
	r.Post("/chunks/{token}/{uploadID}/{offset}", s.handleChunkPost)
	r.Post("/chunks/{token}/{uploadID}/finalize", s.handleChunkFinalize)

	r.Get("/tx/{id}/status", s.handleTxStatus)
	r.Get("/tx/{id}/offsets", s.handleTxOffsets)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	networks := make([]string, 0, len(s.cfg.Networks))
	for name := range s.cfg.Networks {
		networks = append(networks, name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": Version,
		"addresses": map[string]string{
			"ethereum": s.wallet.Address().Hex(),
		},
		"gateway":              s.wallet.OwnerB64(),
		"freeUploadLimitBytes": s.cfg.FreeUploadLimitBytes,
		"networks":             networks,
	})
}

// networkFor resolves a token network to its payment parameters, falling
// back to the default network for legacy routes without a token segment.
func (s *Server) networkFor(network string) (string, NetworkConfig, bool) {
	if network == "" {
		network = s.cfg.DefaultNetwork
	}
	cfg, ok := s.cfg.Networks[network]
	return network, cfg, ok
}
