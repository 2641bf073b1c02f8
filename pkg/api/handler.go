// Package api exposes the operator HTTP surface: stats, entitlement
// snapshots, a force-sweep trigger, and manual whitelist grants. Every
// endpoint requires a known admin id.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/membergate/membergate/pkg/access"
	"github.com/membergate/membergate/pkg/enforcer"
	"github.com/membergate/membergate/pkg/membergate"
)

// Config holds the handler's dependencies.
type Config struct {
	// Manager is the entitlement manager
	Manager *membergate.Manager

	// Enforcer runs membership sweeps. Optional; without it the sweep
	// endpoint returns 503.
	Enforcer *enforcer.Enforcer

	// Issuer mints invite links for granted members. Optional; without it
	// grants succeed but return no link.
	Issuer *access.Issuer

	// AdminIDs are the operator accounts allowed in
	AdminIDs []int64

	Logger membergate.Logger
}

// Handler provides the admin HTTP endpoints.
type Handler struct {
	config Config
	admins map[int64]bool
}

// NewHandler creates an admin API handler.
func NewHandler(config Config) (*Handler, error) {
	if config.Manager == nil {
		return nil, errors.New("manager is required")
	}
	if config.Logger == nil {
		config.Logger = &membergate.NoopLogger{}
	}

	admins := make(map[int64]bool, len(config.AdminIDs))
	for _, id := range config.AdminIDs {
		admins[id] = true
	}
	return &Handler{config: config, admins: admins}, nil
}

// Routes mounts the admin endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requireAdmin)
	r.Get("/stats", h.GetStats)
	r.Get("/snapshot", h.GetSnapshot)
	r.Get("/members/{userID}", h.GetMember)
	r.Get("/sweep", h.ForceSweep)
	r.Post("/grant", h.GrantMember)
	return r
}

// requireAdmin authenticates requests by the admin_id query parameter.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.URL.Query().Get("admin_id"), 10, 64)
		if err != nil || !h.admins[id] {
			h.writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetStats returns aggregate store counters.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.config.Manager.Store().Stats(r.Context())
	if err != nil {
		h.writeError(w, "failed to collect stats", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, StatsResponse{
		Users:                stats.Users,
		ActiveSubscriptions:  stats.ActiveSubscriptions,
		ExpiredSubscriptions: stats.ExpiredSubscriptions,
		CancelledSubs:        stats.CancelledSubs,
		SuspendedSubs:        stats.SuspendedSubs,
		InviteLinks:          stats.InviteLinks,
		ProcessedEvents:      stats.ProcessedEvents,
		Renewals:             stats.Renewals,
		Expulsions:           stats.Expulsions,
		FailedExpulsions:     stats.FailedExpulsions,
		RenewalNotifications: stats.RenewalNotifications,
		GeneratedAt:          h.config.Manager.Clock().Now(),
	})
}

// GetSnapshot returns the stats plus recent audit rows.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.config.Manager.Store().Stats(ctx)
	if err != nil {
		h.writeError(w, "failed to collect stats", http.StatusInternalServerError)
		return
	}

	since := h.config.Manager.Clock().Now().Add(-48 * time.Hour)
	failed, err := h.config.Manager.Store().ListFailedExpulsions(ctx, since)
	if err != nil {
		h.writeError(w, "failed to list failed removals", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, SnapshotResponse{
		Stats:            *stats,
		FailedExpulsions: failed,
		GeneratedAt:      h.config.Manager.Clock().Now(),
	})
}

// GetMember returns one user's entitlement snapshot.
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		h.writeError(w, "invalid user id", http.StatusBadRequest)
		return
	}

	entitled, err := h.config.Manager.HasValidEntitlement(ctx, userID)
	if err != nil {
		h.writeError(w, "failed to check entitlement", http.StatusInternalServerError)
		return
	}

	resp := MemberResponse{UserID: userID, Entitled: entitled}

	if user, err := h.config.Manager.Store().GetUser(ctx, userID); err == nil {
		resp.Handle = user.Handle
	} else if !errors.Is(err, membergate.ErrUserNotFound) {
		h.writeError(w, "failed to load user", http.StatusInternalServerError)
		return
	}

	if sub, err := h.config.Manager.GetActive(ctx, userID); err == nil {
		end := sub.End
		resp.PlanID = sub.PlanID
		resp.Status = string(sub.Status)
		resp.End = &end
		resp.Whitelist = sub.ExternalID == ""
	} else if !errors.Is(err, membergate.ErrSubscriptionNotFound) {
		h.writeError(w, "failed to load subscription", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ForceSweep triggers an immediate membership sweep. force retires rows
// still inside their grace window as well.
func (h *Handler) ForceSweep(w http.ResponseWriter, r *http.Request) {
	if h.config.Enforcer == nil {
		h.writeError(w, "sweeps not available", http.StatusServiceUnavailable)
		return
	}

	force := r.URL.Query().Get("force") == "true"
	result, err := h.config.Enforcer.Sweep(r.Context(), force)
	if err != nil {
		h.config.Logger.Error("forced sweep failed",
			membergate.Field{Key: "error", Value: err.Error()})
		h.writeError(w, "sweep failed", http.StatusInternalServerError)
		return
	}
	if result == nil {
		// A sweep was already running; the trigger was dropped.
		h.writeJSON(w, http.StatusAccepted, SweepResponse{Triggered: false})
		return
	}

	h.writeJSON(w, http.StatusOK, SweepResponse{
		Triggered:  true,
		Candidates: result.Candidates,
		Removed:    result.Removed,
		Skipped:    result.Skipped,
		Failed:     result.Failed,
	})
}

// GrantMember creates a whitelist entitlement for a user and hands back an
// invite link. The body carries user_id, plan_id, and an optional duration
// override ("7 days", "3 months"). No external id is attached, so the row never
// collides with processor webhooks.
func (h *Handler) GrantMember(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == 0 || req.PlanID == "" {
		h.writeError(w, "user_id and plan_id are required", http.StatusBadRequest)
		return
	}

	var duration time.Duration
	if req.Duration != "" {
		d, err := membergate.ParseDuration(req.Duration)
		if err != nil {
			h.writeError(w, "invalid duration", http.StatusBadRequest)
			return
		}
		duration = d
	}

	recurring := false
	sub, err := h.config.Manager.Grant(ctx, &membergate.GrantRequest{
		User:      membergate.User{ID: req.UserID, Handle: req.Handle},
		PlanID:    req.PlanID,
		Recurring: &recurring,
		Duration:  duration,
	})
	if errors.Is(err, membergate.ErrUnknownPlan) {
		h.writeError(w, "unknown plan", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.config.Logger.Error("admin grant failed",
			membergate.Field{Key: "user_id", Value: req.UserID},
			membergate.Field{Key: "error", Value: err.Error()})
		h.writeError(w, "grant failed", http.StatusInternalServerError)
		return
	}

	resp := GrantResponse{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
		End:            sub.End,
	}
	if h.config.Issuer != nil {
		link, err := h.config.Issuer.Issue(ctx, sub)
		if err != nil {
			h.config.Logger.Error("invite link for grant failed",
				membergate.Field{Key: "user_id", Value: req.UserID},
				membergate.Field{Key: "error", Value: err.Error()})
		} else {
			resp.InviteLink = link.Link
			resp.LinkExpiresAt = &link.ExpiresAt
		}
	}

	h.config.Logger.Info("admin grant",
		membergate.Field{Key: "user_id", Value: sub.UserID},
		membergate.Field{Key: "plan_id", Value: sub.PlanID},
		membergate.Field{Key: "subscription_id", Value: sub.ID})
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.config.Logger.Warn("failed to encode response",
			membergate.Field{Key: "error", Value: err.Error()})
	}
}

func (h *Handler) writeError(w http.ResponseWriter, msg string, code int) {
	h.writeJSON(w, code, ErrorResponse{Error: msg, Code: code})
}
