// Package packagesapi exposes the tracker over HTTP: package commands for
// integrations and current-state reads for dashboards.
package packagesapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ColisBox/ColisBox/internal/models"
	"github.com/ColisBox/ColisBox/internal/services/coordinator"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

type Tracker interface {
	AddPackage(ctx context.Context, in models.PackageCreateInput) (*models.Package, error)
	RemovePackage(ctx context.Context, trackingNumber string) error
	RefreshPackage(ctx context.Context, trackingNumber string) (*models.Package, error)
	ArchiveDelivered(ctx context.Context) (int, error)
	Trigger()
	Stats() coordinator.Stats
}

type Reader interface {
	Get(ctx context.Context, trackingNumber string) (*models.Package, error)
	List(ctx context.Context) ([]*models.Package, error)
	ListEvents(ctx context.Context, trackingNumber string) ([]models.TrackingEvent, error)
}

type Handler struct {
	tracker Tracker
	reader  Reader
}

func New(tracker Tracker, reader Reader) *Handler {
	return &Handler{tracker: tracker, reader: reader}
}

func (h *Handler) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/packages", h.addPackage)
		r.Get("/packages", h.listPackages)
		r.Get("/packages/{number}", h.getPackage)
		r.Get("/packages/{number}/events", h.listEvents)
		r.Delete("/packages/{number}", h.removePackage)
		r.Post("/packages/{number}/refresh", h.refreshPackage)
		r.Post("/refresh", h.refreshAll)
		r.Post("/archive-delivered", h.archiveDelivered)
	})
}

type addPackageRequest struct {
	TrackingNumber string `json:"tracking_number"`
	Carrier        string `json:"carrier,omitempty"`
	FriendlyName   string `json:"friendly_name,omitempty"`
}

func (h *Handler) addPackage(w http.ResponseWriter, r *http.Request) {
	var req addPackageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode request"))
		return
	}
	if models.NormalizeTrackingNumber(req.TrackingNumber) == "" {
		writeError(w, http.StatusBadRequest, errors.New("tracking_number is required"))
		return
	}
	carrier := models.Carrier(req.Carrier)
	if req.Carrier != "" && !models.IsValidCarrier(carrier) {
		writeError(w, http.StatusBadRequest, errors.Errorf("unknown carrier %q", req.Carrier))
		return
	}

	pkg, err := h.tracker.AddPackage(r.Context(), models.PackageCreateInput{
		TrackingNumber: req.TrackingNumber,
		Carrier:        carrier,
		FriendlyName:   req.FriendlyName,
		Source:         models.SourceManual,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, pkg)
}

func (h *Handler) listPackages(w http.ResponseWriter, r *http.Request) {
	pkgs, err := h.reader.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"packages": pkgs})
}

func (h *Handler) getPackage(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.reader.Get(r.Context(), chi.URLParam(r, "number"))
	switch {
	case errors.Is(err, models.ErrPackageNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, pkg)
	}
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.reader.ListEvents(r.Context(), chi.URLParam(r, "number"))
	switch {
	case errors.Is(err, models.ErrPackageNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

func (h *Handler) removePackage(w http.ResponseWriter, r *http.Request) {
	err := h.tracker.RemovePackage(r.Context(), chi.URLParam(r, "number"))
	switch {
	case errors.Is(err, coordinator.ErrNotTracked):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"removed": true})
	}
}

func (h *Handler) refreshPackage(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.tracker.RefreshPackage(r.Context(), chi.URLParam(r, "number"))
	switch {
	case errors.Is(err, coordinator.ErrNotTracked):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, pkg)
	}
}

func (h *Handler) refreshAll(w http.ResponseWriter, r *http.Request) {
	h.tracker.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]any{"triggered": true})
}

func (h *Handler) archiveDelivered(w http.ResponseWriter, r *http.Request) {
	n, err := h.tracker.ArchiveDelivered(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archived": n})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
