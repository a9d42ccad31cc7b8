// Package httpapi serves the read-only HTTP side port of the server: a
// health probe and per-allocatable iCalendar feeds.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"schedula/replica/internal/auth"
	"schedula/replica/internal/calexport"
	"schedula/replica/internal/domain"
	"schedula/replica/internal/store"
	"schedula/replica/internal/update"
)

const calendarContentType = "text/calendar; charset=utf-8"

type Source interface {
	Authenticate(token string) (*auth.Claims, error)
	GetResources(ctx context.Context) (*update.Event, error)
	GetReservations(ctx context.Context, q store.ReservationQuery) (store.ReservationList, error)
}

type handler struct {
	src Source
	log *slog.Logger
}

func NewRouter(src Source, log *slog.Logger) *mux.Router {
	if log == nil {
		log = slog.Default()
	}
	h := &handler{src: src, log: log.With(slog.String("component", "http"))}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	router.HandleFunc("/calendar/{allocatable}.ics", h.calendar).Methods(http.MethodGet)
	return router
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

// calendar accepts the access token as a bearer header or as the token
// query parameter, so calendar apps can subscribe with a plain URL.
func (h *handler) calendar(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		http.Error(w, "missing access token", http.StatusUnauthorized)
		return
	}
	claims, err := h.src.Authenticate(token)
	if err != nil {
		http.Error(w, "invalid access token", http.StatusUnauthorized)
		return
	}
	ctx := auth.WithClaims(r.Context(), claims)

	resources, err := h.src.GetResources(ctx)
	if err != nil {
		h.fail(w, "get resources", err)
		return
	}
	allocs := allocatables(resources)
	key := mux.Vars(r)["allocatable"]
	target := find(allocs, key)
	if target == nil {
		http.Error(w, "unknown allocatable "+key, http.StatusNotFound)
		return
	}

	list, err := h.src.GetReservations(ctx, store.ReservationQuery{Allocatables: []domain.ID{target.ID}})
	if err != nil {
		h.fail(w, "get reservations", err)
		return
	}

	w.Header().Set("Content-Type", calendarContentType)
	if err := calexport.Write(w, list, calexport.Names(allocs), calexport.Options{Name: target.Name}); err != nil {
		h.log.Error("calendar write failed", slog.String("allocatable", string(target.ID)), slog.Any("err", err))
		return
	}
	h.log.Info("calendar served",
		slog.String("user", claims.Username),
		slog.String("allocatable", string(target.ID)),
		slog.Int("reservations", len(list.Reservations)),
	)
}

func (h *handler) fail(w http.ResponseWriter, op string, err error) {
	code, _ := store.CodeOf(err)
	switch code {
	case store.CodeSecurity:
		http.Error(w, "permission denied", http.StatusForbidden)
	case store.CodeEntityNotFound:
		http.Error(w, "not found", http.StatusNotFound)
	case store.CodeProtocol:
		http.Error(w, "bad request", http.StatusBadRequest)
	default:
		h.log.Error(op+" failed", slog.Any("err", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func allocatables(evt *update.Event) []*domain.Allocatable {
	var out []*domain.Allocatable
	for _, e := range evt.Store {
		if a, ok := e.(*domain.Allocatable); ok {
			out = append(out, a)
		}
	}
	return out
}

// find matches key against ids first, then case-insensitively against names.
func find(allocs []*domain.Allocatable, key string) *domain.Allocatable {
	for _, a := range allocs {
		if string(a.ID) == key {
			return a
		}
	}
	for _, a := range allocs {
		if strings.EqualFold(a.Name, key) {
			return a
		}
	}
	return nil
}
