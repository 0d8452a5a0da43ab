// Package handler is the thin HTTP layer over the access list service. It
// translates between JSON and domain types and never embeds business logic.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"regledger/internal/accesslist/aggregate"
	"regledger/internal/accesslist/service"
	"regledger/internal/accesslist/store"
	dErrors "regledger/pkg/domain-errors"
	"regledger/pkg/platform/httputil"
	"regledger/pkg/requestcontext"
)

// Service is the surface of the access list service the handler consumes.
type Service interface {
	CreateOrLoad(ctx context.Context, owner, identifier, name, description string) (*store.Info, bool, error)
	Get(ctx context.Context, owner, identifier string) (*store.Info, error)
	History(ctx context.Context, owner, identifier string) ([]aggregate.Event, error)
	Update(ctx context.Context, owner, identifier string, req service.UpdateRequest) (*store.Info, error)
	Delete(ctx context.Context, owner, identifier string) error
	PutResourceConnection(ctx context.Context, owner, identifier, resourceID string, actions []string) (*store.Info, error)
	AddResourceConnectionActions(ctx context.Context, owner, identifier, resourceID string, actions []string) (*store.Info, error)
	RemoveResourceConnectionActions(ctx context.Context, owner, identifier, resourceID string, actions []string) (*store.Info, error)
	DeleteResourceConnection(ctx context.Context, owner, identifier, resourceID string) (*store.Info, error)
	AddMembers(ctx context.Context, owner, identifier string, members []uuid.UUID) (*store.Info, error)
	RemoveMembers(ctx context.Context, owner, identifier string, members []uuid.UUID) (*store.Info, error)
	ListByOwner(ctx context.Context, owner, token string) (*store.InfoPage, error)
	ListResourceConnections(ctx context.Context, owner, identifier, token string) (*store.ConnectionPage, error)
	ListMemberships(ctx context.Context, owner, identifier, token string) (*store.MembershipPage, error)
}

// Handler wires access list endpoints to the service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a handler with its dependencies.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts access list endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Route("/access-lists", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/", h.HandleListByOwner)

		r.Route("/{owner}/{identifier}", func(r chi.Router) {
			r.Get("/", h.HandleGet)
			r.Patch("/", h.HandleUpdate)
			r.Delete("/", h.HandleDelete)
			r.Get("/events", h.HandleHistory)

			r.Route("/resource-connections", func(r chi.Router) {
				r.Get("/", h.HandleListConnections)
				r.Route("/{resourceID}", func(r chi.Router) {
					r.Put("/", h.HandlePutConnection)
					r.Delete("/", h.HandleDeleteConnection)
					r.Post("/actions", h.HandleAddActions)
					r.Delete("/actions", h.HandleRemoveActions)
				})
			})

			r.Route("/members", func(r chi.Router) {
				r.Get("/", h.HandleListMembers)
				r.Post("/", h.HandleAddMembers)
				r.Delete("/", h.HandleRemoveMembers)
			})
		})
	})
}

// HandleCreate handles POST /access-lists. Returns 201 for a fresh list and
// 200 when the (owner, identifier) pair already exists.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[createRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	info, created, err := h.service.CreateOrLoad(ctx, req.Owner, req.Identifier, req.Name, req.Description)
	if err != nil {
		h.logger.ErrorContext(ctx, "create access list failed",
			"request_id", requestID,
			"owner", req.Owner,
			"identifier", req.Identifier,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httputil.WriteJSON(w, status, fromInfo(info))
}

// HandleGet handles GET /access-lists/{owner}/{identifier}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info, err := h.service.Get(ctx, chi.URLParam(r, "owner"), chi.URLParam(r, "identifier"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromInfo(info))
}

// HandleUpdate handles PATCH /access-lists/{owner}/{identifier}.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[updateRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	info, err := h.service.Update(ctx, chi.URLParam(r, "owner"), chi.URLParam(r, "identifier"), service.UpdateRequest{
		Identifier:  req.Identifier,
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromInfo(info))
}

// HandleDelete handles DELETE /access-lists/{owner}/{identifier}.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.service.Delete(ctx, chi.URLParam(r, "owner"), chi.URLParam(r, "identifier")); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleHistory handles GET /access-lists/{owner}/{identifier}/events.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	events, err := h.service.History(ctx, chi.URLParam(r, "owner"), chi.URLParam(r, "identifier"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromEvents(events))
}

// HandleListByOwner handles GET /access-lists?owner=.
func (h *Handler) HandleListByOwner(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page, err := h.service.ListByOwner(ctx, r.URL.Query().Get("owner"), r.URL.Query().Get("token"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	items := make([]infoResponse, 0, len(page.Items))
	for i := range page.Items {
		items = append(items, *fromInfo(&page.Items[i]))
	}
	httputil.WriteJSON(w, http.StatusOK, listResponse[infoResponse]{Items: items, NextToken: page.NextToken})
}

// HandleListConnections handles GET .../resource-connections.
func (h *Handler) HandleListConnections(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page, err := h.service.ListResourceConnections(ctx,
		chi.URLParam(r, "owner"), chi.URLParam(r, "identifier"), r.URL.Query().Get("token"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	items := make([]connectionResponse, 0, len(page.Items))
	for _, c := range page.Items {
		items = append(items, connectionResponse{
			ResourceID: c.ResourceID,
			Actions:    c.Actions,
			CreatedAt:  c.CreatedAt,
			ModifiedAt: c.ModifiedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, listResponse[connectionResponse]{Items: items, NextToken: page.NextToken})
}

// HandlePutConnection handles PUT .../resource-connections/{resourceID}.
func (h *Handler) HandlePutConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[actionsRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	info, err := h.service.PutResourceConnection(ctx,
		chi.URLParam(r, "owner"), chi.URLParam(r, "identifier"), chi.URLParam(r, "resourceID"), req.Actions)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromInfo(info))
}

// HandleDeleteConnection handles DELETE .../resource-connections/{resourceID}.
func (h *Handler) HandleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info, err := h.service.DeleteResourceConnection(ctx,
		chi.URLParam(r, "owner"), chi.URLParam(r, "identifier"), chi.URLParam(r, "resourceID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromInfo(info))
}

// HandleAddActions handles POST .../resource-connections/{resourceID}/actions.
func (h *Handler) HandleAddActions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[actionsRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	info, err := h.service.AddResourceConnectionActions(ctx,
		chi.URLParam(r, "owner"), chi.URLParam(r, "identifier"), chi.URLParam(r, "resourceID"), req.Actions)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromInfo(info))
}

// HandleRemoveActions handles DELETE .../resource-connections/{resourceID}/actions.
func (h *Handler) HandleRemoveActions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[actionsRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	info, err := h.service.RemoveResourceConnectionActions(ctx,
		chi.URLParam(r, "owner"), chi.URLParam(r, "identifier"), chi.URLParam(r, "resourceID"), req.Actions)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromInfo(info))
}

// HandleListMembers handles GET .../members.
func (h *Handler) HandleListMembers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page, err := h.service.ListMemberships(ctx,
		chi.URLParam(r, "owner"), chi.URLParam(r, "identifier"), r.URL.Query().Get("token"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	items := make([]membershipResponse, 0, len(page.Items))
	for _, m := range page.Items {
		items = append(items, membershipResponse{MemberID: m.MemberID, Since: m.Since})
	}
	httputil.WriteJSON(w, http.StatusOK, listResponse[membershipResponse]{Items: items, NextToken: page.NextToken})
}

// HandleAddMembers handles POST .../members.
func (h *Handler) HandleAddMembers(w http.ResponseWriter, r *http.Request) {
	h.handleMembers(w, r, h.service.AddMembers)
}

// HandleRemoveMembers handles DELETE .../members.
func (h *Handler) HandleRemoveMembers(w http.ResponseWriter, r *http.Request) {
	h.handleMembers(w, r, h.service.RemoveMembers)
}

func (h *Handler) handleMembers(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, owner, identifier string, members []uuid.UUID) (*store.Info, error)) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[membersRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	members := make([]uuid.UUID, 0, len(req.Members))
	for _, raw := range req.Members {
		id, err := uuid.Parse(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.Newf(dErrors.CodeValidation, "invalid member id %q", raw))
			return
		}
		members = append(members, id)
	}

	info, err := op(ctx, chi.URLParam(r, "owner"), chi.URLParam(r, "identifier"), members)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromInfo(info))
}
