// Package access issues single-use invite links into the gatekept group.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/membergate/membergate/pkg/membergate"
	"github.com/membergate/membergate/pkg/platform"
)

// Config holds invite issuer configuration.
type Config struct {
	// GroupID is the chat group invites point into
	GroupID int64

	// LinkTTL is how long a minted link stays usable. Default 24h.
	LinkTTL time.Duration

	// MemberLimit caps joins per link. Default 1, making links single-use.
	MemberLimit int

	Logger membergate.Logger
}

// Issuer mints invite links for entitled users and records them.
type Issuer struct {
	manager *membergate.Manager
	group   platform.GroupAPI
	config  Config
}

// New creates an Issuer.
func New(manager *membergate.Manager, group platform.GroupAPI, config Config) (*Issuer, error) {
	if manager == nil || group == nil {
		return nil, fmt.Errorf("manager and group API are required")
	}
	if config.GroupID == 0 {
		return nil, fmt.Errorf("group id is required")
	}
	if config.LinkTTL == 0 {
		config.LinkTTL = 24 * time.Hour
	}
	if config.MemberLimit == 0 {
		config.MemberLimit = 1
	}
	if config.Logger == nil {
		config.Logger = &membergate.NoopLogger{}
	}
	return &Issuer{manager: manager, group: group, config: config}, nil
}

// Issue mints a fresh invite link for a subscription and persists it.
// The link expires and admits a single member. A platform failure leaves
// the entitlement intact; the caller can retry through Recover.
func (i *Issuer) Issue(ctx context.Context, sub *membergate.Subscription) (*membergate.InviteLink, error) {
	now := i.manager.Clock().Now()
	expiresAt := now.Add(i.config.LinkTTL)

	link, err := i.group.CreateInviteLink(ctx, i.config.GroupID, platform.InviteLinkSpec{
		ExpireAt:    expiresAt,
		MemberLimit: i.config.MemberLimit,
		Name:        fmt.Sprintf("sub-%d", sub.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mint invite link: %w", err)
	}

	invite := &membergate.InviteLink{
		SubscriptionID: sub.ID,
		Link:           link,
		CreatedAt:      now,
		ExpiresAt:      expiresAt,
	}
	id, err := i.manager.Store().SaveInviteLink(ctx, invite)
	if err != nil {
		// The link exists on the platform either way; losing the record
		// only costs audit detail, not access.
		i.config.Logger.Warn("invite link minted but not recorded",
			membergate.Field{Key: "subscription_id", Value: sub.ID},
			membergate.Field{Key: "error", Value: err.Error()})
	} else {
		invite.ID = id
	}

	i.config.Logger.Info("invite link issued",
		membergate.Field{Key: "subscription_id", Value: sub.ID},
		membergate.Field{Key: "user_id", Value: sub.UserID},
		membergate.Field{Key: "expires_at", Value: expiresAt},
	)
	return invite, nil
}

// Recover mints a fresh link for a user who lost theirs. Only entitled
// users qualify; previously issued links are never re-sent because they
// are single-use and may already be spent.
func (i *Issuer) Recover(ctx context.Context, userID int64) (*membergate.InviteLink, error) {
	valid, err := i.manager.HasValidEntitlement(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, membergate.ErrSubscriptionNotFound
	}

	sub, err := i.manager.GetActive(ctx, userID)
	if errors.Is(err, membergate.ErrSubscriptionNotFound) {
		// Entitled through grace without a live row; anchor the link to a
		// synthetic subscription reference.
		sub = &membergate.Subscription{UserID: userID}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return i.Issue(ctx, sub)
}
