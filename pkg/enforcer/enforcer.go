// Package enforcer reconciles group membership with entitlements. A
// periodic sweep retires overdue subscriptions, removes members with no
// remaining entitlement, and retries removals that failed last time.
package enforcer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/membergate/membergate/pkg/membergate"
	"github.com/membergate/membergate/pkg/platform"
)

// Config holds enforcer configuration.
type Config struct {
	// GroupID is the chat group being gatekept
	GroupID int64

	// AdminIDs are operator accounts: exempt from removal and the
	// recipients of sweep reports
	AdminIDs []int64

	// Interval between periodic sweeps. Default 6h.
	Interval time.Duration

	// JitterMax is the random delay added to each tick so multiple
	// instances do not sweep in lockstep. Default 60s.
	JitterMax time.Duration

	// MemberCap bounds how many removals one sweep attempts. Default 1000.
	MemberCap int

	// BatchSize is how many removals run concurrently. Default 50.
	BatchSize int

	// RetryAttempts per ban call. Default 3.
	RetryAttempts int

	// RetryDelay between ban attempts. Default 2s.
	RetryDelay time.Duration

	// FailedLookback bounds how far back failed removals are retried.
	// Default 48h.
	FailedLookback time.Duration

	Logger  membergate.Logger
	Metrics membergate.Metrics
}

// Result reports what one sweep did.
type Result struct {
	Candidates int
	Removed    int
	Skipped    int
	Failed     int
	Duration   time.Duration
}

// Enforcer runs membership sweeps against a group.
type Enforcer struct {
	manager *membergate.Manager
	group   platform.GroupAPI
	config  Config

	mu       sync.Mutex
	sweeping bool
}

// New creates an Enforcer.
func New(manager *membergate.Manager, group platform.GroupAPI, config Config) (*Enforcer, error) {
	if manager == nil || group == nil {
		return nil, fmt.Errorf("manager and group API are required")
	}
	if config.GroupID == 0 {
		return nil, fmt.Errorf("group id is required")
	}
	if config.Interval == 0 {
		config.Interval = 6 * time.Hour
	}
	if config.JitterMax == 0 {
		config.JitterMax = time.Minute
	}
	if config.MemberCap == 0 {
		config.MemberCap = 1000
	}
	if config.BatchSize == 0 {
		config.BatchSize = 50
	}
	if config.RetryAttempts == 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 2 * time.Second
	}
	if config.FailedLookback == 0 {
		config.FailedLookback = 48 * time.Hour
	}
	if config.Logger == nil {
		config.Logger = &membergate.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &membergate.NoopMetrics{}
	}

	return &Enforcer{
		manager: manager,
		group:   group,
		config:  config,
	}, nil
}

// Run executes sweeps on the configured interval until ctx is cancelled.
// An initial sweep fires shortly after start so a restart does not leave
// lapsed members in place for a full interval; every pass is offset by a
// random jitter.
func (e *Enforcer) Run(ctx context.Context) error {
	jitter := time.Duration(rand.Int63n(int64(e.config.JitterMax)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
	}
	if _, err := e.Sweep(ctx, false); err != nil {
		e.config.Logger.Error("sweep failed",
			membergate.Field{Key: "error", Value: err.Error()})
	}

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			jitter := time.Duration(rand.Int63n(int64(e.config.JitterMax)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jitter):
			}

			if _, err := e.Sweep(ctx, false); err != nil {
				e.config.Logger.Error("sweep failed",
					membergate.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

// Sweep runs one reconciliation pass. force retires in-grace rows too.
// Only one sweep runs at a time; overlapping triggers return immediately.
func (e *Enforcer) Sweep(ctx context.Context, force bool) (*Result, error) {
	e.mu.Lock()
	if e.sweeping {
		e.mu.Unlock()
		e.config.Logger.Warn("sweep already in progress, trigger dropped")
		return nil, nil
	}
	e.sweeping = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.sweeping = false
		e.mu.Unlock()
	}()

	start := e.manager.Clock().Now()

	if err := e.checkAdminRights(ctx); err != nil {
		e.notifyAdmins(ctx, "Sweep aborted: the bot lacks admin rights in the group. Grant ban and invite permissions and trigger the sweep again.")
		return nil, err
	}

	e.retryFailedExpulsions(ctx)

	candidates, err := e.manager.SweepExpired(ctx, force)
	if err != nil {
		return nil, fmt.Errorf("failed to collect expired entitlements: %w", err)
	}

	exempt, err := e.exemptions(ctx)
	if err != nil {
		e.config.Logger.Warn("could not resolve group admins, using configured admin ids only",
			membergate.Field{Key: "error", Value: err.Error()})
	}

	result := &Result{Candidates: len(candidates)}

	if len(candidates) > e.config.MemberCap {
		e.config.Logger.Warn("sweep candidate list capped",
			membergate.Field{Key: "candidates", Value: len(candidates)},
			membergate.Field{Key: "cap", Value: e.config.MemberCap})
		candidates = candidates[:e.config.MemberCap]
	}

	if len(candidates) > 0 {
		e.announce(ctx, "Membership check starting. Members whose subscription lapsed will be removed; renew any time to get a fresh invite.")
	}

	var resMu sync.Mutex
	for i := 0; i < len(candidates); i += e.config.BatchSize {
		end := i + e.config.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, c := range candidates[i:end] {
			c := c
			g.Go(func() error {
				outcome := e.removeMember(gctx, c, exempt, "subscription expired")
				resMu.Lock()
				switch outcome {
				case removed:
					result.Removed++
				case skipped:
					result.Skipped++
				case failed:
					result.Failed++
				}
				resMu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	result.Duration = e.manager.Clock().Now().Sub(start)
	e.config.Metrics.RecordSweep(result.Removed, result.Failed, result.Duration)
	e.config.Logger.Info("sweep complete",
		membergate.Field{Key: "candidates", Value: result.Candidates},
		membergate.Field{Key: "removed", Value: result.Removed},
		membergate.Field{Key: "skipped", Value: result.Skipped},
		membergate.Field{Key: "failed", Value: result.Failed},
		membergate.Field{Key: "duration", Value: result.Duration},
	)

	if result.Candidates > 0 {
		e.announce(ctx, fmt.Sprintf(
			"Membership check finished: %d removed, %d failed.",
			result.Removed, result.Failed))
	}
	if result.Removed > 0 || result.Failed > 0 {
		e.notifyAdmins(ctx, fmt.Sprintf(
			"Membership sweep finished: %d removed, %d skipped, %d failed of %d candidates.",
			result.Removed, result.Skipped, result.Failed, result.Candidates))
	}

	return result, nil
}

// ExpelUser removes one member immediately, outside the periodic sweep.
// Used when a cancellation arrives by webhook so the member does not keep
// group access until the next interval. Exempt users are spared; the
// caller decides whether the entitlement is really gone.
func (e *Enforcer) ExpelUser(ctx context.Context, userID, subscriptionID int64, reason string) (bool, error) {
	if err := e.checkAdminRights(ctx); err != nil {
		return false, err
	}

	exempt, err := e.exemptions(ctx)
	if err != nil {
		e.config.Logger.Warn("could not resolve group admins, using configured admin ids only",
			membergate.Field{Key: "error", Value: err.Error()})
	}

	outcome := e.removeMember(ctx, membergate.ExpiredEntitlement{
		UserID:         userID,
		SubscriptionID: subscriptionID,
	}, exempt, reason)
	if outcome == failed {
		return false, fmt.Errorf("failed to remove user %d", userID)
	}
	return outcome == removed, nil
}

// announce posts into the gatekept group itself.
func (e *Enforcer) announce(ctx context.Context, text string) {
	if err := e.group.SendMessage(ctx, e.config.GroupID, text); err != nil {
		e.config.Logger.Debug("could not announce in group",
			membergate.Field{Key: "error", Value: err.Error()})
	}
}

type removeOutcome int

const (
	removed removeOutcome = iota
	skipped
	failed
)

// removeMember bans one user out of the group and immediately unbans so
// they can rejoin through a fresh invite after repurchasing. reason goes
// into the audit trail.
func (e *Enforcer) removeMember(ctx context.Context, c membergate.ExpiredEntitlement, exempt map[int64]bool, reason string) removeOutcome {
	log := e.config.Logger

	if exempt[c.UserID] {
		log.Debug("exempt member spared",
			membergate.Field{Key: "user_id", Value: c.UserID})
		return skipped
	}

	member, err := e.group.GetChatMember(ctx, e.config.GroupID, c.UserID)
	if err == nil {
		switch member.Status {
		case platform.MemberLeft, platform.MemberBanned:
			return skipped
		case platform.MemberCreator, platform.MemberAdministrator:
			log.Warn("expired entitlement belongs to a group admin, not removing",
				membergate.Field{Key: "user_id", Value: c.UserID})
			return skipped
		}
	} else if errors.Is(err, platform.ErrNotInGroup) {
		return skipped
	}

	if err := e.banWithRetry(ctx, c.UserID); err != nil {
		log.Error("failed to remove member",
			membergate.Field{Key: "user_id", Value: c.UserID},
			membergate.Field{Key: "error", Value: err.Error()})
		_ = e.manager.Store().RecordFailedExpulsion(ctx, &membergate.FailedExpulsionRecord{
			UserID:     c.UserID,
			Reason:     reason,
			LastError:  err.Error(),
			OccurredAt: e.manager.Clock().Now(),
		})
		return failed
	}

	// Lift the ban right away; removal is eviction, not a blacklist.
	if err := e.group.UnbanChatMember(ctx, e.config.GroupID, c.UserID, true); err != nil {
		log.Warn("failed to lift ban after removal",
			membergate.Field{Key: "user_id", Value: c.UserID},
			membergate.Field{Key: "error", Value: err.Error()})
	}

	_ = e.manager.Store().RecordExpulsion(ctx, &membergate.ExpulsionRecord{
		UserID:         c.UserID,
		SubscriptionID: c.SubscriptionID,
		Reason:         reason,
		OccurredAt:     e.manager.Clock().Now(),
	})

	if err := e.group.SendMessage(ctx, c.UserID,
		"Your subscription has ended and you have been removed from the group. Renew any time to receive a fresh invite link."); err != nil {
		log.Debug("could not notify removed member",
			membergate.Field{Key: "user_id", Value: c.UserID})
	}

	log.Info("member removed",
		membergate.Field{Key: "user_id", Value: c.UserID},
		membergate.Field{Key: "subscription_id", Value: c.SubscriptionID})
	return removed
}

func (e *Enforcer) banWithRetry(ctx context.Context, userID int64) error {
	var err error
	for attempt := 0; attempt < e.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.config.RetryDelay):
			}
		}
		err = e.group.BanChatMember(ctx, e.config.GroupID, userID)
		if err == nil {
			return nil
		}
	}
	return err
}

// retryFailedExpulsions re-attempts removals recorded as failed by recent
// sweeps. Users who regained an entitlement in the meantime are spared.
func (e *Enforcer) retryFailedExpulsions(ctx context.Context) {
	now := e.manager.Clock().Now()
	records, err := e.manager.Store().ListFailedExpulsions(ctx, now.Add(-e.config.FailedLookback))
	if err != nil {
		e.config.Logger.Warn("could not list failed removals",
			membergate.Field{Key: "error", Value: err.Error()})
		return
	}

	for _, rec := range records {
		valid, err := e.manager.HasValidEntitlement(ctx, rec.UserID)
		if err != nil || valid {
			continue
		}
		if err := e.banWithRetry(ctx, rec.UserID); err != nil {
			continue
		}
		_ = e.group.UnbanChatMember(ctx, e.config.GroupID, rec.UserID, true)
		_ = e.manager.Store().RecordExpulsion(ctx, &membergate.ExpulsionRecord{
			UserID:     rec.UserID,
			Reason:     "subscription expired (retry)",
			OccurredAt: now,
		})
	}
}

// checkAdminRights verifies the bot holds admin status in the group.
func (e *Enforcer) checkAdminRights(ctx context.Context) error {
	me, err := e.group.Me(ctx)
	if err != nil {
		return fmt.Errorf("failed to identify bot: %w", err)
	}
	member, err := e.group.GetChatMember(ctx, e.config.GroupID, me.ID)
	if err != nil {
		return fmt.Errorf("failed to check bot membership: %w", err)
	}
	if member.Status != platform.MemberAdministrator && member.Status != platform.MemberCreator {
		return platform.ErrInsufficientRights
	}
	return nil
}

// exemptions builds the set of users a sweep never removes: the bot
// itself, configured operators, and the group's admins.
func (e *Enforcer) exemptions(ctx context.Context) (map[int64]bool, error) {
	exempt := make(map[int64]bool)
	for _, id := range e.config.AdminIDs {
		exempt[id] = true
	}

	if me, err := e.group.Me(ctx); err == nil {
		exempt[me.ID] = true
	}

	admins, err := e.group.GetChatAdministrators(ctx, e.config.GroupID)
	if err != nil {
		return exempt, err
	}
	for _, admin := range admins {
		exempt[admin.UserID] = true
	}
	return exempt, nil
}

// notifyAdmins direct-messages every configured operator.
func (e *Enforcer) notifyAdmins(ctx context.Context, text string) {
	for _, id := range e.config.AdminIDs {
		if err := e.group.SendMessage(ctx, id, text); err != nil {
			e.config.Logger.Debug("could not notify admin",
				membergate.Field{Key: "admin_id", Value: id})
		}
	}
}

// HandleJoin vets a user who just entered the group. Members without a
// valid entitlement are removed on the spot; known users are refreshed in
// the store either way.
func (e *Enforcer) HandleJoin(ctx context.Context, member platform.ChatMember) error {
	if member.IsBot {
		return nil
	}

	_ = e.manager.Store().UpsertUser(ctx, &membergate.User{
		ID:        member.UserID,
		FirstName: member.FirstName,
		LastName:  member.LastName,
		Handle:    member.Handle,
		FirstSeen: e.manager.Clock().Now(),
	})

	for _, id := range e.config.AdminIDs {
		if id == member.UserID {
			return nil
		}
	}

	valid, err := e.manager.HasValidEntitlement(ctx, member.UserID)
	if err != nil {
		return err
	}
	if valid {
		return nil
	}

	e.config.Logger.Warn("unentitled join, removing",
		membergate.Field{Key: "user_id", Value: member.UserID})

	if err := e.banWithRetry(ctx, member.UserID); err != nil {
		_ = e.manager.Store().RecordFailedExpulsion(ctx, &membergate.FailedExpulsionRecord{
			UserID:     member.UserID,
			Reason:     "unentitled join",
			LastError:  err.Error(),
			OccurredAt: e.manager.Clock().Now(),
		})
		return err
	}
	_ = e.group.UnbanChatMember(ctx, e.config.GroupID, member.UserID, true)
	_ = e.manager.Store().RecordExpulsion(ctx, &membergate.ExpulsionRecord{
		UserID:     member.UserID,
		Reason:     "unentitled join",
		OccurredAt: e.manager.Clock().Now(),
	})
	return nil
}
