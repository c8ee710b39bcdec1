// Package httpapi exposes room administration over HTTP and mounts the race socket.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/park285/typerace-coordinator/internal/domain"
	"github.com/park285/typerace-coordinator/internal/hub"
	"github.com/park285/typerace-coordinator/internal/obslog"
	"github.com/park285/typerace-coordinator/internal/racestore"
	"github.com/park285/typerace-coordinator/internal/snippets"
	"go.uber.org/zap"
)

const (
	UserHeader       = "X-User-Id"
	lobbyLimit       = 10
	defaultTimeLimit = 60
	maxBodyBytes     = 16 << 10
)

type Limits struct {
	DefaultMaxPlayers int
	MaxPlayersLimit   int
	MinPlayers        int
}

type Server struct {
	gw      racestore.Gateway
	catalog *snippets.Catalog
	hub     *hub.Hub
	ws      http.Handler
	limits  Limits
	origins []string
	log     *zap.Logger
}

// New builds the API. ws may be nil, in which case /ws is not mounted.
func New(gw racestore.Gateway, catalog *snippets.Catalog, h *hub.Hub, ws http.Handler, limits Limits, origins []string, log *zap.Logger) *Server {
	if log == nil {
		log = obslog.L()
	}
	if limits.MinPlayers < 2 {
		limits.MinPlayers = 2
	}
	if limits.MaxPlayersLimit < limits.MinPlayers {
		limits.MaxPlayersLimit = 8
	}
	if limits.DefaultMaxPlayers < limits.MinPlayers || limits.DefaultMaxPlayers > limits.MaxPlayersLimit {
		limits.DefaultMaxPlayers = limits.MinPlayers
	}
	return &Server{gw: gw, catalog: catalog, hub: h, ws: ws, limits: limits, origins: origins, log: log}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	if s.ws != nil {
		r.Method(http.MethodGet, "/ws", s.ws)
	}

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.corsOrigins(),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", UserHeader},
			MaxAge:         300,
		}))
		r.Get("/healthz", s.health)
		r.Route("/rooms", func(r chi.Router) {
			r.Get("/", s.listRooms)
			r.Post("/", s.createRoom)
			r.Get("/code/{code}", s.roomByCode)
			r.Get("/{roomID}", s.getRoom)
			r.Get("/{roomID}/leaderboard", s.leaderboard)
		})
	})
	return r
}

func (s *Server) corsOrigins() []string {
	if len(s.origins) == 0 {
		return []string{"*"}
	}
	out := make([]string, 0, len(s.origins))
	for _, o := range s.origins {
		if strings.Contains(o, "://") || o == "*" {
			out = append(out, o)
			continue
		}
		// websocket origin patterns are bare hosts
		out = append(out, "http://"+o, "https://"+o)
	}
	return out
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

type healthResponse struct {
	Status        string `json:"status"`
	Connections   int    `json:"connections"`
	Rooms         int    `json:"rooms"`
	Sockets       int64  `json:"sockets"`
	DroppedFrames uint64 `json:"dropped_frames"`
}

// socketStats is implemented by the websocket handler.
type socketStats interface {
	Active() int64
	Dropped() uint64
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.hub != nil {
		resp.Connections, resp.Rooms = s.hub.Stats()
	}
	if st, ok := s.ws.(socketStats); ok {
		resp.Sockets = st.Active()
		resp.DroppedFrames = st.Dropped()
	}
	writeJSON(w, http.StatusOK, resp)
}

type createRoomRequest struct {
	Name       string `json:"name"`
	Language   string `json:"language"`
	Difficulty string `json:"difficulty"`
	TimeLimit  *int   `json:"time_limit"`
	MaxPlayers *int   `json:"max_players"`
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	creator := strings.TrimSpace(r.Header.Get(UserHeader))
	if creator == "" {
		writeError(w, http.StatusUnauthorized, "missing "+UserHeader)
		return
	}
	var req createRoomRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	in := domain.NewRoom{
		Name:       strings.TrimSpace(req.Name),
		Language:   strings.ToLower(strings.TrimSpace(req.Language)),
		Difficulty: strings.ToLower(strings.TrimSpace(req.Difficulty)),
		TimeLimit:  defaultTimeLimit,
		MaxPlayers: s.limits.DefaultMaxPlayers,
		CreatedBy:  creator,
	}
	if in.Language == "" {
		in.Language = snippets.DefaultLanguage
	}
	if in.Difficulty == "" {
		in.Difficulty = snippets.DefaultDifficulty
	}
	if req.TimeLimit != nil {
		in.TimeLimit = *req.TimeLimit
	}
	if req.MaxPlayers != nil {
		in.MaxPlayers = *req.MaxPlayers
	}
	if in.MaxPlayers < s.limits.MinPlayers || in.MaxPlayers > s.limits.MaxPlayersLimit {
		writeError(w, http.StatusBadRequest, "max_players must be between "+
			strconv.Itoa(s.limits.MinPlayers)+" and "+strconv.Itoa(s.limits.MaxPlayersLimit))
		return
	}
	if s.catalog != nil {
		in.CodeSnippet = s.catalog.Lookup(in.Language, in.Difficulty)
	}

	room, err := s.gw.CreateRoom(r.Context(), in)
	if err != nil {
		s.storeError(w, "create_room", err)
		return
	}
	if _, err := s.gw.UpsertParticipant(r.Context(), room.ID, creator, time.Now().UTC()); err != nil {
		s.storeError(w, "create_room", err)
		return
	}
	s.log.Info("room_created", obslog.RoomID(room.ID), zap.String("room_code", room.Code), obslog.UserID(creator))
	writeJSON(w, http.StatusCreated, room)
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.gw.ListWaitingRooms(r.Context(), lobbyLimit)
	if err != nil {
		s.storeError(w, "list_rooms", err)
		return
	}
	if rooms == nil {
		rooms = []*domain.Room{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) roomByCode(w http.ResponseWriter, r *http.Request) {
	room, err := s.gw.GetRoomByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.storeError(w, "room_by_code", err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.gw.GetRoom(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		s.storeError(w, "get_room", err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

type leaderboardResponse struct {
	RoomID       string                `json:"room_id"`
	Participants []*domain.Participant `json:"participants"`
}

func (s *Server) leaderboard(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if _, err := s.gw.GetRoom(r.Context(), roomID); err != nil {
		s.storeError(w, "leaderboard", err)
		return
	}
	board, err := s.gw.Leaderboard(r.Context(), roomID)
	if err != nil {
		s.storeError(w, "leaderboard", err)
		return
	}
	if board == nil {
		board = []*domain.Participant{}
	}
	writeJSON(w, http.StatusOK, leaderboardResponse{RoomID: roomID, Participants: board})
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("http_store_error", zap.String("op", op), zap.Error(err))
	}
	writeError(w, status, http.StatusText(status))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, racestore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, racestore.ErrInvalidArgs):
		return http.StatusBadRequest
	case errors.Is(err, racestore.ErrConstraint):
		return http.StatusConflict
	case errors.Is(err, racestore.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
