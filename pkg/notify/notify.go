// Package notify direct-messages members whose subscription is about to
// renew, so upcoming charges never surprise anyone.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/membergate/membergate/pkg/membergate"
	"github.com/membergate/membergate/pkg/platform"
)

// Config holds renewal notifier configuration.
type Config struct {
	// AdvanceWindow is how far ahead of the renewal the notice goes out.
	// Default 48h.
	AdvanceWindow time.Duration

	// Interval between scans. Default 1h.
	Interval time.Duration

	Logger membergate.Logger
}

// Notifier scans for soon-to-renew subscriptions and messages their owners.
type Notifier struct {
	manager *membergate.Manager
	group   platform.GroupAPI
	config  Config
}

// New creates a Notifier.
func New(manager *membergate.Manager, group platform.GroupAPI, config Config) (*Notifier, error) {
	if manager == nil || group == nil {
		return nil, fmt.Errorf("manager and group API are required")
	}
	if config.AdvanceWindow == 0 {
		config.AdvanceWindow = 48 * time.Hour
	}
	if config.Interval == 0 {
		config.Interval = time.Hour
	}
	if config.Logger == nil {
		config.Logger = &membergate.NoopLogger{}
	}
	return &Notifier{manager: manager, group: group, config: config}, nil
}

// Run scans on the configured interval until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := n.Scan(ctx); err != nil {
				n.config.Logger.Error("renewal notification scan failed",
					membergate.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

// Scan performs one pass. The store suppresses repeat notices per
// subscription, so overlapping scans cannot double-message a member.
func (n *Notifier) Scan(ctx context.Context) error {
	now := n.manager.Clock().Now()
	expiring, err := n.manager.Store().ListExpiring(ctx, now, now.Add(n.config.AdvanceWindow))
	if err != nil {
		return fmt.Errorf("failed to list expiring subscriptions: %w", err)
	}

	for _, sub := range expiring {
		sent, err := n.manager.Store().RecordRenewalNotification(ctx, sub.ID, now)
		if err != nil {
			n.config.Logger.Warn("could not record renewal notice",
				membergate.Field{Key: "subscription_id", Value: sub.ID},
				membergate.Field{Key: "error", Value: err.Error()})
			continue
		}
		if !sent {
			continue
		}

		plan, _ := n.manager.PlanByID(sub.PlanID)
		text := fmt.Sprintf(
			"Heads up: your %s subscription renews on %s. No action needed to stay in the group.",
			plan.DisplayName, sub.End.Format("Jan 2, 2006"))
		if err := n.group.SendMessage(ctx, sub.UserID, text); err != nil {
			n.config.Logger.Debug("could not deliver renewal notice",
				membergate.Field{Key: "user_id", Value: sub.UserID})
			continue
		}

		n.config.Logger.Info("renewal notice sent",
			membergate.Field{Key: "subscription_id", Value: sub.ID},
			membergate.Field{Key: "user_id", Value: sub.UserID},
			membergate.Field{Key: "renews_at", Value: sub.End},
		)
	}
	return nil
}
