package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"feed-engine/internal/domain"
	httpinfra "feed-engine/internal/infra/http"
	"feed-engine/internal/usecase/feed"
)

// FeedService перечисляет операции ленты, доступные через HTTP.
type FeedService interface {
	StartSession(ctx context.Context, userID, region, city string) (domain.SessionState, error)
	SignOut(ctx context.Context) domain.SessionState
	SetGeography(ctx context.Context, region, city string) (domain.SessionState, error)
	State() domain.SessionState
	Pattern() domain.SlotPattern
	Lookup(id int64) (domain.ContentItem, bool)
	Refill(ctx context.Context) (domain.SessionState, error)
	Swipe(ctx context.Context, slot int, dir feed.Direction) (domain.SessionState, error)
	Archived() []domain.ContentItem
	DeleteArchived(ctx context.Context, id int64) (domain.SessionState, error)
	Restore(ctx context.Context, id int64) (domain.SessionState, error)
	RecordOpen(ctx context.Context, category domain.Category) (domain.SessionState, error)
}

// Handler обслуживает HTTP API ленты.
type Handler struct {
	svc  FeedService
	log  zerolog.Logger
	auth func(http.Handler) http.Handler
}

// NewHandler создаёт обработчик. auth может быть nil, тогда открытие сессии не проверяется.
func NewHandler(svc FeedService, logger zerolog.Logger, auth func(http.Handler) http.Handler) *Handler {
	return &Handler{svc: svc, log: logger, auth: auth}
}

// Register подключает маршруты к роутеру.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if h.auth != nil {
				r.Use(h.auth)
			}
			r.Put("/session", h.startSession)
		})
		r.Delete("/session", h.signOut)
		r.Put("/session/geo", h.setGeography)

		r.Get("/feed", h.getFeed)
		r.Post("/feed/refill", h.refill)
		r.Post("/feed/slots/{slot}/swipe", h.swipe)

		r.Get("/archive", h.listArchive)
		r.Delete("/archive/{id}", h.deleteArchived)
		r.Post("/archive/{id}/restore", h.restore)

		r.Post("/signals/open", h.recordOpen)
	})
}

type sessionRequest struct {
	UserID string `json:"user_id"`
	Region string `json:"region"`
	City   string `json:"city"`
}

type geoRequest struct {
	Region string `json:"region"`
	City   string `json:"city"`
}

type swipeRequest struct {
	Direction string `json:"direction"`
}

type openRequest struct {
	Category string `json:"category"`
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decode(w, r, &req) {
		return
	}
	if q := r.URL.Query().Get("user_id"); q != "" {
		// при проверке подписи пользователь берётся из подписанных параметров
		req.UserID = q
	}
	if req.UserID == "" {
		httpinfra.WriteError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	state, err := h.svc.StartSession(r.Context(), req.UserID, req.Region, req.City)
	h.respond(w, r, state, err)
}

func (h *Handler) signOut(w http.ResponseWriter, r *http.Request) {
	h.svc.SignOut(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setGeography(w http.ResponseWriter, r *http.Request) {
	var req geoRequest
	if !decode(w, r, &req) {
		return
	}
	state, err := h.svc.SetGeography(r.Context(), req.Region, req.City)
	h.respond(w, r, state, err)
}

func (h *Handler) getFeed(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.svc.State(), nil)
}

func (h *Handler) refill(w http.ResponseWriter, r *http.Request) {
	state, err := h.svc.Refill(r.Context())
	h.respond(w, r, state, err)
}

func (h *Handler) swipe(w http.ResponseWriter, r *http.Request) {
	position, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, "slot must be a number")
		return
	}
	var req swipeRequest
	if !decode(w, r, &req) {
		return
	}
	dir, err := feed.ParseDirection(req.Direction)
	if err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	// позиции в API начинаются с единицы
	state, err := h.svc.Swipe(r.Context(), position-1, dir)
	h.respond(w, r, state, err)
}

func (h *Handler) listArchive(w http.ResponseWriter, r *http.Request) {
	items := h.svc.Archived()
	out := make([]itemView, 0, len(items))
	for _, it := range items {
		out = append(out, newItemView(it))
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *Handler) deleteArchived(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	state, err := h.svc.DeleteArchived(r.Context(), id)
	h.respond(w, r, state, err)
}

func (h *Handler) restore(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	state, err := h.svc.Restore(r.Context(), id)
	h.respond(w, r, state, err)
}

func (h *Handler) recordOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if !decode(w, r, &req) {
		return
	}
	state, err := h.svc.RecordOpen(r.Context(), domain.Category(req.Category))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{
		"reader_mode": state.ReaderMode,
		"signals":     state.Signals,
	})
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, state domain.SessionState, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, newFeedView(state, h.svc.Pattern(), h.svc.Lookup))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNoSession), errors.Is(err, domain.ErrSlotEmpty):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrSlotOutOfRange), errors.Is(err, domain.ErrNotArchived):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrUnknownCategory), errors.Is(err, feed.ErrUnknownDirection):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("request_id", httpinfra.RequestID(r)).Msg("api: ошибка обработки запроса")
		httpinfra.WriteError(w, status, "internal error")
		return
	}
	httpinfra.WriteError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		httpinfra.WriteError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func itemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, "id must be a positive number")
		return 0, false
	}
	return id, true
}
