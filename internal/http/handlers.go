package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clintjeff2/seamless-deliveries/internal/chat"
	"github.com/clintjeff2/seamless-deliveries/internal/delivery"
	"github.com/clintjeff2/seamless-deliveries/internal/feed"
	"github.com/clintjeff2/seamless-deliveries/internal/geocode"
	"github.com/clintjeff2/seamless-deliveries/internal/location"
	"github.com/clintjeff2/seamless-deliveries/internal/models"
	"github.com/clintjeff2/seamless-deliveries/internal/routing"
)

// Server is the HTTP surface of the coordination API: delivery lifecycle,
// driver location ingress, chat, and websocket subscriptions.
type Server struct {
	logger     *slog.Logger
	deliveries *delivery.Service
	stream     *location.Stream
	chats      *chat.Service
	geocoder   *geocode.Geocoder // nil when no maps key is configured
	wsreg      *feed.WSRegistry
	mux        *mux.Router
}

func NewServer(logger *slog.Logger, deliveries *delivery.Service, stream *location.Stream, chats *chat.Service, geocoder *geocode.Geocoder, wsreg *feed.WSRegistry) *Server {
	s := &Server{
		logger:     logger,
		deliveries: deliveries,
		stream:     stream,
		chats:      chats,
		geocoder:   geocoder,
		wsreg:      wsreg,
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/deliveries", s.handleCreateDelivery).Methods("POST")
	s.mux.HandleFunc("/api/v1/deliveries/{id}", s.handleGetDelivery).Methods("GET")
	s.mux.HandleFunc("/api/v1/deliveries/{id}/advance", s.handleAdvance).Methods("POST")
	s.mux.HandleFunc("/api/v1/deliveries/{id}/cancel", s.handleCancel).Methods("POST")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/driver/permission-revoked", s.handlePermissionRevoked).Methods("POST")

	s.mux.HandleFunc("/api/v1/chats/{id}", s.handleGetChat).Methods("GET")
	s.mux.HandleFunc("/api/v1/chats/{id}/messages", s.handleSendMessage).Methods("POST")
	s.mux.HandleFunc("/api/v1/chats/{id}/typing", s.handleTyping).Methods("POST")
	s.mux.HandleFunc("/api/v1/chats/{id}/read", s.handleMarkRead).Methods("POST")
	s.mux.HandleFunc("/api/v1/chats/{id}/heartbeat", s.handleHeartbeat).Methods("POST")

	s.mux.HandleFunc("/ws/deliveries/{id}", s.handleDeliveryWS)
	s.mux.HandleFunc("/ws/chats/{id}", s.handleChatWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createDeliveryRequest struct {
	OrderID            string        `json:"order_id"`
	TransportID        string        `json:"transport_id"`
	DriverID           string        `json:"driver_id"`
	CustomerID         string        `json:"customer_id"`
	BusinessID         string        `json:"business_id"`
	Pickup             models.Coord  `json:"pickup"`
	Destination        *models.Coord `json:"destination,omitempty"`
	DestinationAddress string        `json:"destination_address,omitempty"`
	DeliveryFee        int64         `json:"delivery_fee"`
}

func (s *Server) handleCreateDelivery(w http.ResponseWriter, r *http.Request) {
	var req createDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.OrderID == "" || req.CustomerID == "" || req.BusinessID == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("order_id, customer_id and business_id are required"))
		return
	}

	dest := req.Destination
	if dest == nil {
		if req.DestinationAddress == "" || s.geocoder == nil {
			s.writeError(w, r, http.StatusBadRequest, errors.New("destination coordinates or a resolvable address are required"))
			return
		}
		res, err := s.geocoder.Geocode(r.Context(), req.DestinationAddress)
		if err != nil {
			s.mapError(w, r, err)
			return
		}
		dest = &res.Location
	}

	d, err := s.deliveries.Create(r.Context(), delivery.CreateCommand{
		OrderID:     req.OrderID,
		TransportID: req.TransportID,
		DriverID:    req.DriverID,
		CustomerID:  req.CustomerID,
		BusinessID:  req.BusinessID,
		Pickup:      req.Pickup,
		Destination: *dest,
		DeliveryFee: req.DeliveryFee,
	})
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	view, err := s.deliveries.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

type actorRequest struct {
	Actor   models.ActorType `json:"actor"`
	ActorID string           `json:"actor_id"`
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	d, err := s.deliveries.AdvanceStatus(r.Context(), mux.Vars(r)["id"], req.Actor, req.ActorID)
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	d, err := s.deliveries.Cancel(r.Context(), mux.Vars(r)["id"], req.Actor, req.ActorID)
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var sample models.LocationSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	// accepted=false with a nil error is the cadence limiter quietly shedding;
	// the device should not treat that as failure.
	if _, err := s.stream.Push(r.Context(), sample); err != nil {
		s.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type permissionRevokedRequest struct {
	DeliveryID string `json:"delivery_id"`
	DriverID   string `json:"driver_id"`
}

func (s *Server) handlePermissionRevoked(w http.ResponseWriter, r *http.Request) {
	var req permissionRevokedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.stream.ReportPermissionRevoked(r.Context(), req.DeliveryID, req.DriverID); err != nil {
		s.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	viewerID := r.URL.Query().Get("viewer_id")
	if viewerID == "" {
		s.writeError(w, r, http.StatusBadRequest, errors.New("viewer_id is required"))
		return
	}
	view, err := s.chats.GetView(r.Context(), mux.Vars(r)["id"], viewerID)
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

type sendMessageRequest struct {
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	m, err := s.chats.SendMessage(r.Context(), mux.Vars(r)["id"], req.SenderID, req.Content)
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, m)
}

type typingRequest struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.chats.SetTyping(r.Context(), mux.Vars(r)["id"], req.UserID, req.IsTyping); err != nil {
		s.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type markReadRequest struct {
	ReaderID string `json:"reader_id"`
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	n, err := s.chats.MarkRead(r.Context(), mux.Vars(r)["id"], req.ReaderID)
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"marked_read": n})
}

type heartbeatRequest struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.chats.Heartbeat(r.Context(), mux.Vars(r)["id"], req.UserID, req.Online); err != nil {
		s.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) handleDeliveryWS(w http.ResponseWriter, r *http.Request) {
	s.attachWS(w, r, feed.DeliveryTopic(mux.Vars(r)["id"]))
}

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	s.attachWS(w, r, feed.ChatTopic(mux.Vars(r)["id"]))
}

func (s *Server) attachWS(w http.ResponseWriter, r *http.Request, topic string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		s.logger.Debug("websocket upgrade failed", "topic", topic, "error", err)
		return
	}
	// Attach blocks for the life of the connection.
	s.wsreg.Attach(topic, conn)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// mapError translates domain errors into response codes. Anything unmapped is
// a server fault.
func (s *Server) mapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, delivery.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, err)
	case errors.Is(err, delivery.ErrUnauthorized),
		errors.Is(err, chat.ErrNotParticipant),
		errors.Is(err, location.ErrNotDriver),
		errors.Is(err, location.ErrPermissionRevoked):
		s.writeError(w, r, http.StatusForbidden, err)
	case errors.Is(err, delivery.ErrStaleWrite),
		errors.Is(err, delivery.ErrInvalidTransition),
		errors.Is(err, chat.ErrInactive),
		errors.Is(err, location.ErrInactive):
		s.writeError(w, r, http.StatusConflict, err)
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, location.ErrStaleSample),
		errors.Is(err, geocode.ErrNoResult):
		s.writeError(w, r, http.StatusBadRequest, err)
	case errors.Is(err, routing.ErrProviderUnavailable):
		s.writeError(w, r, http.StatusServiceUnavailable, err)
	default:
		s.writeError(w, r, http.StatusInternalServerError, err)
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
