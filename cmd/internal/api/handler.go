// Package api is the HTTP surface of the collaboration service.
//
// Every route requires a PASETO v4.public bearer token. Errors use the
// {"error":{"code","message"}} envelope with codes from apperr.
package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bloks/cmd/internal/apperr"
	"bloks/cmd/internal/collab"
	"bloks/cmd/internal/document"
	"bloks/cmd/security/auth"
	v1 "bloks/shared/contracts/realtime/v1"

	"github.com/go-chi/chi/v5"
)

// Handler serves the document, sharing and presence routes.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	svc      *collab.Service
	verifier *auth.Verifier
	throttle *ipThrottle
	now      func() time.Time
}

// NewHandler wires a Handler.
func NewHandler(log *slog.Logger, cfg Config, svc *collab.Service, verifier *auth.Verifier) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Handler{
		log:      log,
		cfg:      cfg,
		svc:      svc,
		verifier: verifier,
		throttle: newIPThrottle(cfg.VerifyIPMax, cfg.VerifyIPWindow),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register mounts the authenticated routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Get("/access/{documentId}", h.handleAccess)
		r.Get("/documents/access", h.handleListAccessible)

		r.Route("/document/{documentId}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Patch("/", h.handleUpdate)
			r.Delete("/", h.handleDelete)
			r.Patch("/archive", h.handleArchive)

			r.Get("/invite", h.handleGetInvite)
			r.Post("/invite", h.handleIssueInvite)

			r.Get("/collaborators", h.handleCollaborators)
			r.Delete("/collaborators/{userId}", h.handleRemoveCollaborator)

			r.Get("/presence", h.handlePresence)
		})

		r.With(h.throttleByIP).Post("/invite/{token}/verification", h.handleRequestVerification)
		r.With(h.throttleByIP).Post("/verify", h.handleVerify)
	})
}

// SweepThrottle drops idle throttle entries. Called by the janitor.
func (h *Handler) SweepThrottle() int {
	return h.throttle.sweep(h.now())
}

func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.verifier == nil {
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}
		claims, err := h.verifier.Authenticate(r)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

func (h *Handler) throttleByIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, h.cfg.TrustProxy)
		if ok, retry := h.throttle.allow(ip, h.now()); !ok {
			h.log.Warn("api.throttle", "path", r.URL.Path, "ip", ip.String())
			writeRateLimited(w, r, retry)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func caller(r *http.Request) collab.Caller {
	c, _ := auth.ClaimsFrom(r.Context())
	return collab.Caller{UserID: c.UserID, Email: c.Email}
}

func documentID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "documentId"))
}

// ---- documents ----

type accessResponse struct {
	DocumentID string `json:"documentId"`
	Role       string `json:"role"`
}

func (h *Handler) handleAccess(w http.ResponseWriter, r *http.Request) {
	id := documentID(r)
	role, err := h.svc.Role(r.Context(), caller(r).UserID, id)
	if err != nil {
		h.fail(w, r, "api.access", err)
		return
	}
	writeJSON(w, r, http.StatusOK, accessResponse{DocumentID: id, Role: string(role)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.Get(r.Context(), caller(r).UserID, documentID(r))
	if err != nil {
		h.fail(w, r, "api.document.get", err)
		return
	}
	writeJSON(w, r, http.StatusOK, doc)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var p document.Patch
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &p); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid", "invalid json body")
		return
	}
	doc, err := h.svc.Update(r.Context(), caller(r).UserID, documentID(r), p)
	if err != nil {
		h.fail(w, r, "api.document.update", err)
		return
	}
	writeJSON(w, r, http.StatusOK, doc)
}

type archiveResponse struct {
	Archived []document.Document `json:"archived"`
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	docs, err := h.svc.Archive(r.Context(), caller(r).UserID, documentID(r))
	if err != nil {
		h.fail(w, r, "api.document.archive", err)
		return
	}
	writeJSON(w, r, http.StatusOK, archiveResponse{Archived: docs})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if _, err := h.svc.Delete(r.Context(), caller(r).UserID, documentID(r)); err != nil {
		h.fail(w, r, "api.document.delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type documentsResponse struct {
	Documents []document.Document `json:"documents"`
}

func (h *Handler) handleListAccessible(w http.ResponseWriter, r *http.Request) {
	docs, err := h.svc.ListAccessible(r.Context(), caller(r).UserID)
	if err != nil {
		h.fail(w, r, "api.documents.list", err)
		return
	}
	writeJSON(w, r, http.StatusOK, documentsResponse{Documents: docs})
}

// ---- sharing ----

func (h *Handler) handleGetInvite(w http.ResponseWriter, r *http.Request) {
	h.issueInvite(w, r, false)
}

func (h *Handler) handleIssueInvite(w http.ResponseWriter, r *http.Request) {
	force := false
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("force"))) {
	case "", "false", "0":
	case "true", "1":
		force = true
	default:
		writeError(w, r, http.StatusBadRequest, "invalid", "force must be true or false")
		return
	}
	h.issueInvite(w, r, force)
}

func (h *Handler) issueInvite(w http.ResponseWriter, r *http.Request, force bool) {
	link, err := h.svc.IssueInvite(r.Context(), caller(r).UserID, documentID(r), force)
	if err != nil {
		h.fail(w, r, "api.invite.issue", err)
		return
	}
	writeJSON(w, r, http.StatusOK, link)
}

type verificationRequest struct {
	Email string `json:"email"`
}

func (h *Handler) handleRequestVerification(w http.ResponseWriter, r *http.Request) {
	var req verificationRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid", "invalid json body")
		return
	}
	pending, err := h.svc.RequestVerification(r.Context(), chi.URLParam(r, "token"), req.Email)
	if err != nil {
		h.fail(w, r, "api.invite.verification", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, pending)
}

type verifyRequest struct {
	Token string `json:"token"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid", "invalid json body")
		return
	}
	acc, err := h.svc.AcceptInvite(r.Context(), caller(r), req.Token)
	if err != nil {
		h.fail(w, r, "api.invite.verify", err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, h.svc.DocumentURL(acc.DocumentID), http.StatusSeeOther)
}

type collaboratorsResponse struct {
	Collaborators []document.Collaborator `json:"collaborators"`
}

func (h *Handler) handleCollaborators(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Collaborators(r.Context(), caller(r).UserID, documentID(r))
	if err != nil {
		h.fail(w, r, "api.collaborators.list", err)
		return
	}
	writeJSON(w, r, http.StatusOK, collaboratorsResponse{Collaborators: list})
}

func (h *Handler) handleRemoveCollaborator(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(chi.URLParam(r, "userId"))
	if err := h.svc.RemoveCollaborator(r.Context(), caller(r).UserID, documentID(r), target); err != nil {
		h.fail(w, r, "api.collaborators.remove", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type presenceResponse struct {
	DocumentID string            `json:"documentId"`
	Users      []v1.PresenceUser `json:"users"`
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	id := documentID(r)
	users, err := h.svc.Presence(r.Context(), caller(r).UserID, id)
	if err != nil {
		h.fail(w, r, "api.presence", err)
		return
	}
	writeJSON(w, r, http.StatusOK, presenceResponse{DocumentID: id, Users: users})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, event string, err error) {
	if apperr.HTTPStatus(err) >= 500 {
		h.log.Error(event+".fail", "err", err)
	} else {
		h.log.Info(event+".reject", "err", err)
	}
	writeAppError(w, r, err)
}
