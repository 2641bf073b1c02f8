package api

import (
	"time"

	"github.com/membergate/membergate/pkg/membergate"
)

// StatsResponse is the admin view of the store's aggregate state.
type StatsResponse struct {
	Users                int       `json:"users"`
	ActiveSubscriptions  int       `json:"active_subscriptions"`
	ExpiredSubscriptions int       `json:"expired_subscriptions"`
	CancelledSubs        int       `json:"cancelled_subscriptions"`
	SuspendedSubs        int       `json:"suspended_subscriptions"`
	InviteLinks          int       `json:"invite_links"`
	ProcessedEvents      int       `json:"processed_events"`
	Renewals             int       `json:"renewals"`
	Expulsions           int       `json:"expulsions"`
	FailedExpulsions     int       `json:"failed_expulsions"`
	RenewalNotifications int       `json:"renewal_notifications"`
	GeneratedAt          time.Time `json:"generated_at"`
}

// SweepResponse reports what a force-triggered sweep did.
type SweepResponse struct {
	Triggered  bool `json:"triggered"`
	Candidates int  `json:"candidates,omitempty"`
	Removed    int  `json:"removed,omitempty"`
	Skipped    int  `json:"skipped,omitempty"`
	Failed     int  `json:"failed,omitempty"`
}

// MemberResponse is one user's entitlement snapshot.
type MemberResponse struct {
	UserID    int64      `json:"user_id"`
	Handle    string     `json:"handle,omitempty"`
	Entitled  bool       `json:"entitled"`
	PlanID    string     `json:"plan_id,omitempty"`
	Status    string     `json:"status,omitempty"`
	End       *time.Time `json:"end,omitempty"`
	Whitelist bool       `json:"whitelist,omitempty"`
}

// SnapshotResponse bundles the stats with recent audit rows.
type SnapshotResponse struct {
	Stats            membergate.StoreStats               `json:"stats"`
	FailedExpulsions []*membergate.FailedExpulsionRecord `json:"failed_expulsions"`
	GeneratedAt      time.Time                           `json:"generated_at"`
}

// GrantRequest is the body of a manual whitelist grant.
type GrantRequest struct {
	UserID int64  `json:"user_id"`
	Handle string `json:"handle,omitempty"`
	PlanID string `json:"plan_id"`

	// Duration overrides the plan's duration, e.g. "7 days" or "3 months".
	Duration string `json:"duration,omitempty"`
}

// GrantResponse reports the granted entitlement and its invite link.
type GrantResponse struct {
	UserID         int64      `json:"user_id"`
	SubscriptionID int64      `json:"subscription_id"`
	PlanID         string     `json:"plan_id"`
	End            time.Time  `json:"end"`
	InviteLink     string     `json:"invite_link,omitempty"`
	LinkExpiresAt  *time.Time `json:"link_expires_at,omitempty"`
}

// ErrorResponse is the structured error body all endpoints return.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
