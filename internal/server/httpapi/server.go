// Package httpapi serves the messaging API and the realtime websocket endpoint over HTTP.
package httpapi

import (
	"context"
	"net/http"

	"github.com/and161185/cipherline/internal/auth"
	"github.com/and161185/cipherline/internal/realtime"
	"github.com/and161185/cipherline/internal/service"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const routeRealtime = "realtime"

// Pinger checks storage for the /health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Keys           service.KeyDirectory
	Delivery       service.DeliveryService
	Hub            *realtime.Hub
	Relay          realtime.Pusher // nil relays through Hub
	Verifier       *auth.Verifier
	Pinger         Pinger
	MaxUploadBytes int64
	Conn           realtime.ConnOptions
	Log            *zap.Logger
}

type handler struct {
	ctx       context.Context
	keys      service.KeyDirectory
	delivery  service.DeliveryService
	hub       *realtime.Hub
	relay     realtime.Pusher
	verifier  *auth.Verifier
	pinger    Pinger
	maxUpload int64
	connOpts  realtime.ConnOptions
	upgrader  websocket.Upgrader
	log       *zap.Logger
}

// NewRouter wires all routes. Websocket connections live until ctx ends or the peer leaves.
func NewRouter(ctx context.Context, d Deps) *mux.Router {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	maxUpload := d.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 25 << 20
	}
	h := &handler{
		ctx:       ctx,
		keys:      d.Keys,
		delivery:  d.Delivery,
		hub:       d.Hub,
		relay:     d.Relay,
		verifier:  d.Verifier,
		pinger:    d.Pinger,
		maxUpload: maxUpload,
		connOpts:  d.Conn,
		// bearer tokens, not cookies, authenticate the upgrade
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      log,
	}

	r := mux.NewRouter()
	r.Use(recoverer(log), logging(log))
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(h.authenticate)
	api.HandleFunc("/send/{receiverId}", h.send).Methods(http.MethodPost)
	api.HandleFunc("/messages/{otherParticipantId}", h.fetch).Methods(http.MethodGet)
	api.HandleFunc("/messages/{messageId}/documents/{index}", h.document).Methods(http.MethodGet)
	api.HandleFunc("/publicKey/{participantId}", h.getKey).Methods(http.MethodGet)
	api.HandleFunc("/publicKey", h.putKey).Methods(http.MethodPut)
	api.HandleFunc("/ws", h.realtime).Methods(http.MethodGet).Name(routeRealtime)
	return r
}
