package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/membergate/membergate/pkg/membergate"
)

// config is the full service configuration, sourced from the environment.
type config struct {
	ListenAddr string
	PublicURL  string

	BotToken string
	GroupID  int64
	AdminIDs []int64

	PayPalClientID string
	PayPalSecret   string
	PayPalSandbox  bool
	PlanCacheFile  string

	Plans            map[string]membergate.PlanConfig
	Grace            time.Duration
	RecurringDefault bool

	InviteTTL         time.Duration
	InviteMemberLimit int

	DatabaseURL string
}

func loadConfig() (*config, error) {
	cfg := &config{
		ListenAddr:        envOr("LISTEN_ADDR", ":8080"),
		PublicURL:         strings.TrimRight(os.Getenv("PUBLIC_URL"), "/"),
		BotToken:          os.Getenv("BOT_TOKEN"),
		PayPalClientID:    os.Getenv("PAYPAL_CLIENT_ID"),
		PayPalSecret:      os.Getenv("PAYPAL_SECRET"),
		PayPalSandbox:     strings.EqualFold(envOr("PAYPAL_MODE", "live"), "sandbox"),
		PlanCacheFile:     envOr("PLAN_CACHE_FILE", "paypal_plans.json"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		InviteMemberLimit: 1,
	}

	if cfg.BotToken == "" {
		return nil, fmt.Errorf("BOT_TOKEN is required")
	}

	groupID, err := strconv.ParseInt(os.Getenv("GROUP_ID"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("GROUP_ID is required and must be an integer: %w", err)
	}
	cfg.GroupID = groupID

	for _, part := range strings.Split(os.Getenv("ADMIN_IDS"), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid admin id %q: %w", part, err)
		}
		cfg.AdminIDs = append(cfg.AdminIDs, id)
	}
	if len(cfg.AdminIDs) == 0 {
		return nil, fmt.Errorf("ADMIN_IDS is required")
	}

	graceHours, err := strconv.Atoi(envOr("GRACE_HOURS", "24"))
	if err != nil || graceHours < 0 {
		return nil, fmt.Errorf("GRACE_HOURS must be a non-negative integer")
	}
	cfg.Grace = time.Duration(graceHours) * time.Hour

	ttlHours, err := strconv.Atoi(envOr("INVITE_TTL_HOURS", "24"))
	if err != nil || ttlHours <= 0 {
		return nil, fmt.Errorf("INVITE_TTL_HOURS must be a positive integer")
	}
	cfg.InviteTTL = time.Duration(ttlHours) * time.Hour

	if v := os.Getenv("INVITE_MEMBER_LIMIT"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("INVITE_MEMBER_LIMIT must be a positive integer")
		}
		cfg.InviteMemberLimit = limit
	}

	cfg.RecurringDefault = strings.EqualFold(envOr("RECURRING_DEFAULT", "true"), "true")

	cfg.Plans, err = parsePlans(os.Getenv("PLANS"), cfg.RecurringDefault)
	if err != nil {
		return nil, err
	}
	if len(cfg.Plans) == 0 {
		return nil, fmt.Errorf("PLANS is required")
	}

	return cfg, nil
}

// parsePlans reads the compact plan catalog string:
//
//	id:display name:price:duration[:recurring|once][,...]
//
// e.g. "monthly:Monthly:9.99:1 month,week:Week Pass:3.50:7 days:once"
func parsePlans(raw string, recurringDefault bool) (map[string]membergate.PlanConfig, error) {
	plans := make(map[string]membergate.PlanConfig)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		fields := strings.Split(entry, ":")
		if len(fields) < 4 || len(fields) > 5 {
			return nil, fmt.Errorf("invalid plan entry %q", entry)
		}

		id := strings.TrimSpace(fields[0])
		if id == "" {
			return nil, fmt.Errorf("plan entry %q has no id", entry)
		}
		if _, dup := plans[id]; dup {
			return nil, fmt.Errorf("duplicate plan id %q", id)
		}

		price, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		if err != nil || price < 0 {
			return nil, fmt.Errorf("plan %q has invalid price %q", id, fields[2])
		}

		duration, err := membergate.ParseDuration(fields[3])
		if err != nil {
			return nil, fmt.Errorf("plan %q: %w", id, err)
		}

		recurring := recurringDefault
		if len(fields) == 5 {
			switch strings.ToLower(strings.TrimSpace(fields[4])) {
			case "recurring":
				recurring = true
			case "once":
				recurring = false
			default:
				return nil, fmt.Errorf("plan %q has invalid mode %q", id, fields[4])
			}
		}

		plans[id] = membergate.PlanConfig{
			ID:           id,
			DisplayName:  strings.TrimSpace(fields[1]),
			PriceUSD:     price,
			DurationDays: duration.Hours() / 24,
			Recurring:    recurring,
		}
	}
	return plans, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
