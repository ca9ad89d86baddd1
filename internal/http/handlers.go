package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/roadside-dispatch/internal/capacity"
	"github.com/example/roadside-dispatch/internal/config"
	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/engine"
	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/ingest"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
	"github.com/example/roadside-dispatch/internal/payments"
	"github.com/example/roadside-dispatch/internal/policy"
	"github.com/example/roadside-dispatch/internal/pricing"
	"github.com/example/roadside-dispatch/internal/storage"
)

type Server struct {
	Geo    geo.Directory
	Engine *engine.Engine
	Kafka  *ingest.KafkaProducer
	WSReg  *dispatch.WSRegistry
	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the engine from config with sensible fallbacks: Redis GEO
// or the in-memory index, Postgres or the in-memory store, optional Kafka,
// OSRM and Stripe.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	var dir geo.Directory
	if cfg.RedisAddr != "" {
		dir = geo.NewRedisDirectory(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		dir = geo.NewIndex()
	}

	var store storage.RequestStore
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
		} else {
			logger.Warn("postgres unavailable, using memory store", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	var route pricing.RouteClient
	if cfg.OSRMEndpoint != "" {
		route = pricing.NewOSRMClient(cfg.OSRMEndpoint)
	}
	cacheTTL := cfg.RouteCacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	pricer := pricing.NewEstimator(route, pricing.NewCache(cacheTTL))

	guard := capacity.NewGuard(store, cfg.Dispatch.FollowOnRadiusMeters)
	pol := policy.Policy{GraceWindow: cfg.Dispatch.GraceWindow, NoShowCeiling: cfg.Dispatch.NoShowCeiling}
	eng := engine.New(store, dir, guard, pol, pricer, engine.Config{
		SearchRadiusMeters:   cfg.Dispatch.SearchRadiusMeters,
		CandidateLimit:       cfg.Dispatch.CandidateLimit,
		ProviderCancelWindow: cfg.Dispatch.ProviderCancelWindow,
		PickupGeofenceMeters: cfg.Dispatch.PickupGeofenceMeters,
		ChatUnlockDelay:      cfg.Dispatch.ChatUnlockDelay,
	}, logger)

	wsreg := dispatch.NewWSRegistry(logger)
	notifier := &dispatch.Composite{WS: wsreg}
	if cfg.FCMEndpoint != "" {
		notifier.Push = dispatch.NewFCMNotifier(cfg.FCMEndpoint, cfg.FCMKey)
	}
	eng.SetNotifier(notifier)

	if os.Getenv("STRIPE_API_KEY") != "" {
		eng.SetPayments(payments.NewStripeGateway())
	}

	s := &Server{Geo: dir, Engine: eng, Kafka: kp, WSReg: wsreg, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.handleCreate).Methods("POST")
	api.HandleFunc("/requests/{id}", s.handleGet).Methods("GET")
	api.HandleFunc("/requests/{id}/confirm-payment", s.handleConfirmPayment).Methods("POST")
	api.HandleFunc("/requests/{id}/claim", s.handleClaim).Methods("POST")
	api.HandleFunc("/requests/{id}/reject", s.handleReject).Methods("POST")
	api.HandleFunc("/requests/{id}/provider-cancel", s.handleProviderCancel).Methods("POST")
	api.HandleFunc("/requests/{id}/customer-cancel", s.handleCustomerCancel).Methods("POST")
	api.HandleFunc("/requests/{id}/discard", s.handleDiscard).Methods("POST")
	api.HandleFunc("/requests/{id}/start", s.handleStart).Methods("POST")
	api.HandleFunc("/requests/{id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/requests/{id}/rebroadcast", s.handleRebroadcast).Methods("POST")

	s.mux.HandleFunc("/internal/provider/locations", s.handleProviderLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{provider_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRequest struct {
	CustomerID   string        `json:"customer_id"`
	ServiceType  string        `json:"service_type"`
	Pickup       models.Coord  `json:"pickup"`
	Dropoff      *models.Coord `json:"dropoff,omitempty"`
	Capabilities []string      `json:"capabilities,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in createRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeBadJSON(w, err)
		return
	}
	req, err := s.Engine.Create(r.Context(), engine.CreateCommand{
		CustomerID:   in.CustomerID,
		ServiceType:  models.ServiceType(in.ServiceType),
		Pickup:       in.Pickup,
		Dropoff:      in.Dropoff,
		Capabilities: in.Capabilities,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.Engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	req, err := s.Engine.ConfirmPayment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type providerAction struct {
	ProviderID string       `json:"provider_id"`
	Reason     string       `json:"reason,omitempty"`
	Loc        models.Coord `json:"loc"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var in providerAction
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeBadJSON(w, err)
		return
	}
	req, err := s.Engine.Claim(r.Context(), mux.Vars(r)["id"], in.ProviderID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var in providerAction
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeBadJSON(w, err)
		return
	}
	req, err := s.Engine.Reject(r.Context(), mux.Vars(r)["id"], in.ProviderID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleProviderCancel(w http.ResponseWriter, r *http.Request) {
	var in providerAction
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeBadJSON(w, err)
		return
	}
	req, err := s.Engine.ProviderCancel(r.Context(), mux.Vars(r)["id"], in.ProviderID, in.Reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type customerAction struct {
	CustomerID string `json:"customer_id"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleCustomerCancel(w http.ResponseWriter, r *http.Request) {
	var in customerAction
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeBadJSON(w, err)
		return
	}
	req, err := s.Engine.CustomerCancel(r.Context(), mux.Vars(r)["id"], in.CustomerID, in.Reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	var in customerAction
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeBadJSON(w, err)
		return
	}
	req, err := s.Engine.DiscardDraft(r.Context(), mux.Vars(r)["id"], in.CustomerID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var in providerAction
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeBadJSON(w, err)
		return
	}
	req, err := s.Engine.StartService(r.Context(), mux.Vars(r)["id"], in.ProviderID, in.Loc)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var in providerAction
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeBadJSON(w, err)
		return
	}
	req, err := s.Engine.CompleteService(r.Context(), mux.Vars(r)["id"], in.ProviderID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRebroadcast(w http.ResponseWriter, r *http.Request) {
	req, err := s.Engine.Rebroadcast(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleProviderLocation(w http.ResponseWriter, r *http.Request) {
	var p models.Provider
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeBadJSON(w, err)
		return
	}
	// publish to kafka if configured
	if s.Kafka != nil {
		_ = s.Kafka.PublishLocation(p)
	}
	if err := s.Geo.Upsert(r.Context(), p); err != nil {
		s.logger.Warn("provider upsert failed", "provider_id", p.ID, "error", err)
		http.Error(w, "provider index unavailable", http.StatusBadGateway)
		return
	}
	observability.LocationPings.Inc()
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["provider_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
}

type errorBody struct {
	Class           string `json:"class"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
	DistanceMeters  int    `json:"distance_meters,omitempty"`
	ThresholdMeters int    `json:"threshold_meters,omitempty"`
}

func writeEngineError(w http.ResponseWriter, err error) {
	e, ok := err.(*engine.Error)
	if !ok {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, statusFor(e.Class), map[string]errorBody{"error": {
		Class:           string(e.Class),
		Code:            e.Code,
		Message:         e.Message,
		DistanceMeters:  e.DistanceMeters,
		ThresholdMeters: e.ThresholdMeters,
	}})
}

func statusFor(c engine.Class) int {
	switch c {
	case engine.ClassValidation:
		return http.StatusBadRequest
	case engine.ClassNotFound:
		return http.StatusNotFound
	case engine.ClassConflict:
		return http.StatusConflict
	case engine.ClassForbidden:
		return http.StatusForbidden
	case engine.ClassUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeBadJSON(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]errorBody{"error": {
		Class:   string(engine.ClassValidation),
		Code:    engine.CodeBadInput,
		Message: err.Error(),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
