package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/membergate/membergate/pkg/access"
	"github.com/membergate/membergate/pkg/api"
	"github.com/membergate/membergate/pkg/enforcer"
	"github.com/membergate/membergate/pkg/membergate"
	"github.com/membergate/membergate/pkg/payments"
	"github.com/membergate/membergate/pkg/payments/paypal"
	"github.com/membergate/membergate/pkg/platform"
	"github.com/membergate/membergate/pkg/platform/telegram"
)

// server wires the HTTP surface around the domain components.
type server struct {
	cfg       *config
	manager   *membergate.Manager
	provider  payments.Provider
	pay       *paypal.Client
	planCache *paypal.PlanCache
	issuer    *access.Issuer
	enf       *enforcer.Enforcer
	group     platform.GroupAPI
	admin     *api.Handler
	logger    membergate.Logger
	inflight  *inflightSet
}

func (s *server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/webhook/{token}", s.handlePlatformWebhook)
	r.Method(http.MethodPost, "/webhook/payments", s.provider.WebhookHandler())
	r.Get("/return", s.handleReturn)
	r.Get("/cancel", s.handleCancel)
	r.Mount("/admin", s.admin.Routes())
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealth)
	return r
}

// handlePlatformWebhook receives Telegram updates. The bot token doubles
// as the URL secret; anything else is rejected. Internal failures still
// return 200 so Telegram does not retry the update forever.
func (s *server) handlePlatformWebhook(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "token") != s.cfg.BotToken {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var update telegram.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.logger.Warn("undecodable platform update",
			membergate.Field{Key: "error", Value: err.Error()})
		w.WriteHeader(http.StatusOK)
		return
	}

	if update.ChatID() == s.cfg.GroupID {
		for _, joiner := range update.Joiners() {
			member := platform.ChatMember{
				UserID:    joiner.UserID,
				FirstName: joiner.FirstName,
				LastName:  joiner.LastName,
				Handle:    joiner.Handle,
				IsBot:     joiner.IsBot,
			}
			if err := s.enf.HandleJoin(r.Context(), member); err != nil {
				s.logger.Error("join handling failed",
					membergate.Field{Key: "user_id", Value: joiner.UserID},
					membergate.Field{Key: "error", Value: err.Error()})
			}
		}
	}

	if m := update.Message; m != nil && m.Chat.Type == "private" && m.From != nil && !m.From.IsBot {
		s.handleCommand(r.Context(), m)
	}

	w.WriteHeader(http.StatusOK)
}

// handleCommand answers direct messages to the bot. Replies are
// best-effort; an undeliverable reply is only logged.
func (s *server) handleCommand(ctx context.Context, msg *telegram.Message) {
	userID := msg.From.ID
	words := strings.Fields(msg.Text)
	if len(words) == 0 {
		return
	}
	cmd := strings.ToLower(words[0])
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}

	switch cmd {
	case "/start", "/plans", "/help":
		s.reply(ctx, userID, s.plansMessage())
	case "/subscribe":
		if len(words) < 2 {
			s.reply(ctx, userID, "Tell me which plan: /subscribe <plan>. Send /plans for the list.")
			return
		}
		s.startCheckout(ctx, userID, words[1])
	case "/link":
		invite, err := s.issuer.Recover(ctx, userID)
		if err != nil {
			s.reply(ctx, userID, "You need an active membership to get an invite link.")
			return
		}
		s.reply(ctx, userID, "Your invite link (valid once): "+invite.Link)
	case "/cancel":
		s.cancelMembership(ctx, userID)
	default:
		s.reply(ctx, userID, "Commands: /plans, /subscribe <plan>, /link, /cancel.")
	}
}

func (s *server) plansMessage() string {
	ids := make([]string, 0, len(s.cfg.Plans))
	for id := range s.cfg.Plans {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("Available plans:\n")
	for _, id := range ids {
		p := s.cfg.Plans[id]
		kind := "one-time"
		if p.Recurring {
			kind = "renews automatically"
		}
		fmt.Fprintf(&b, "%s: %s, $%.2f (%s)\n", p.ID, p.DisplayName, p.PriceUSD, kind)
	}
	b.WriteString("Subscribe with /subscribe <plan>.")
	return b.String()
}

// startCheckout creates the processor-side subscription or order and DMs
// the approval link. The entitlement itself is granted on /return once
// the payment is approved.
func (s *server) startCheckout(ctx context.Context, userID int64, planID string) {
	plan, ok := s.manager.PlanByID(planID)
	if !ok {
		s.reply(ctx, userID, "Unknown plan. Send /plans to see what is available.")
		return
	}
	if s.cfg.PublicURL == "" || s.pay == nil {
		s.reply(ctx, userID, "Checkout is not configured yet. Contact an admin.")
		return
	}

	custom := strconv.FormatInt(userID, 10)
	returnURL := fmt.Sprintf("%s/return?user_id=%d&plan_id=%s", s.cfg.PublicURL, userID, plan.ID)
	cancelURL := s.cfg.PublicURL + "/cancel"

	var approve string
	var err error
	if plan.Recurring {
		processorPlan, ok := s.planCache.ProcessorPlanID(plan.ID)
		if !ok {
			s.reply(ctx, userID, "This plan is not available for checkout right now.")
			return
		}
		_, approve, err = s.pay.CreateSubscription(ctx, processorPlan, custom, returnURL, cancelURL)
	} else {
		_, approve, err = s.pay.CreateOrder(ctx, plan.PriceUSD, custom, returnURL, cancelURL)
	}
	if err != nil || approve == "" {
		if err != nil {
			s.logger.Error("checkout creation failed",
				membergate.Field{Key: "user_id", Value: userID},
				membergate.Field{Key: "plan_id", Value: plan.ID},
				membergate.Field{Key: "error", Value: err.Error()})
		}
		s.reply(ctx, userID, "Could not start the checkout. Try again in a minute.")
		return
	}

	s.reply(ctx, userID, fmt.Sprintf("Complete your %s payment here: %s", plan.DisplayName, approve))
}

// cancelMembership asks the processor to stop the member's billing
// subscription. The status change itself lands through the webhook.
func (s *server) cancelMembership(ctx context.Context, userID int64) {
	sub, err := s.manager.GetActive(ctx, userID)
	if err != nil {
		s.reply(ctx, userID, "You have no active membership to cancel.")
		return
	}
	if !sub.Renewable() || s.pay == nil {
		s.reply(ctx, userID, "Your access does not renew automatically; it simply lapses on "+
			sub.End.Format(time.RFC1123)+".")
		return
	}

	if err := s.pay.CancelSubscription(ctx, sub.ExternalID, "requested by member"); err != nil {
		s.logger.Error("processor cancellation failed",
			membergate.Field{Key: "user_id", Value: userID},
			membergate.Field{Key: "subscription_id", Value: sub.ID},
			membergate.Field{Key: "error", Value: err.Error()})
		s.reply(ctx, userID, "Could not reach the payment processor. Try again later or contact an admin.")
		return
	}

	s.reply(ctx, userID, "Your subscription will not renew. Access lasts until "+
		sub.End.Format(time.RFC1123)+".")
}

func (s *server) reply(ctx context.Context, userID int64, text string) {
	if err := s.group.SendMessage(ctx, userID, text); err != nil {
		s.logger.Debug("could not deliver reply",
			membergate.Field{Key: "user_id", Value: userID})
	}
}

// handleReturn completes a checkout: it verifies the subscription or
// order with the processor, grants the entitlement, mints an invite link,
// and renders the success page. The user also receives the link by DM so
// a closed browser tab does not strand them.
func (s *server) handleReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	reqID := membergate.NewRequestID("ret")

	userID, err := strconv.ParseInt(q.Get("user_id"), 10, 64)
	if err != nil || userID == 0 {
		s.renderPage(w, http.StatusBadRequest, "Payment incomplete",
			"The return link is missing your account reference. Contact an admin.")
		return
	}

	subscriptionID := q.Get("subscription_id")
	orderID := q.Get("token")
	if subscriptionID == "" && orderID == "" {
		s.renderPage(w, http.StatusBadRequest, "Payment incomplete",
			"The return link carries no payment reference. Contact an admin.")
		return
	}

	claim := subscriptionID
	if claim == "" {
		claim = orderID
	}
	if !s.inflight.begin(claim) {
		s.renderPage(w, http.StatusOK, "Almost there",
			"Your payment is being confirmed. This page will work again in a moment.")
		return
	}
	defer s.inflight.end(claim)

	var sub *membergate.Subscription
	if subscriptionID != "" {
		sub, err = s.grantSubscription(ctx, userID, subscriptionID)
	} else {
		sub, err = s.grantOrder(ctx, userID, orderID, q.Get("plan_id"))
	}
	if err != nil {
		s.logger.Error("checkout return failed",
			membergate.Field{Key: "request_id", Value: reqID},
			membergate.Field{Key: "user_id", Value: userID},
			membergate.Field{Key: "error", Value: err.Error()})
		s.renderPage(w, http.StatusBadGateway, "Payment not confirmed",
			"We could not confirm your payment yet. If you were charged, message an admin and you will be let in manually.")
		return
	}

	invite, err := s.issuer.Issue(ctx, sub)
	if err != nil {
		// The entitlement stands; only the link minting failed.
		s.logger.Error("invite minting failed after grant",
			membergate.Field{Key: "subscription_id", Value: sub.ID},
			membergate.Field{Key: "error", Value: err.Error()})
		s.renderPage(w, http.StatusOK, "Payment confirmed",
			"Your membership is active, but the invite link could not be created right now. Message the bot and it will send you one.")
		return
	}

	s.logger.Info("checkout completed",
		membergate.Field{Key: "request_id", Value: reqID},
		membergate.Field{Key: "user_id", Value: userID},
		membergate.Field{Key: "subscription_id", Value: sub.ID},
		membergate.Field{Key: "plan_id", Value: sub.PlanID})

	if err := s.group.SendMessage(ctx, userID,
		"Welcome aboard! Your invite link (valid once): "+invite.Link); err != nil {
		s.logger.Debug("could not DM invite link",
			membergate.Field{Key: "user_id", Value: userID})
	}

	s.notifyAdmins(ctx, fmt.Sprintf(
		"New subscription: user %d, plan %s, through %s.",
		userID, sub.PlanID, sub.End.Format(time.RFC1123)))

	s.renderPage(w, http.StatusOK, "Payment confirmed",
		"Your membership is active. Use this single-use invite link within 24 hours:<br><br><a href=\""+
			invite.Link+"\">"+invite.Link+"</a><br><br>The link was also sent to you as a direct message.")
}

// grantSubscription verifies a recurring subscription and grants it.
// A repeat visit for an already-granted subscription just re-issues a
// link instead of stacking a second entitlement.
func (s *server) grantSubscription(ctx context.Context, userID int64, subscriptionID string) (*membergate.Subscription, error) {
	if existing, err := s.manager.Store().FindByExternalID(ctx, subscriptionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, membergate.ErrSubscriptionNotFound) {
		return nil, err
	}

	details, err := s.provider.VerifySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if details.Status != "ACTIVE" && details.Status != "APPROVED" {
		return nil, fmt.Errorf("subscription %s is %s, not active", subscriptionID, details.Status)
	}

	planID, ok := s.planCache.LocalPlanID(details.PlanID)
	if !ok {
		return nil, fmt.Errorf("%w: processor plan %s", membergate.ErrUnknownPlan, details.PlanID)
	}

	recurring := true
	return s.manager.Grant(ctx, &membergate.GrantRequest{
		User:       membergate.User{ID: userID},
		PlanID:     planID,
		ExternalID: subscriptionID,
		Recurring:  &recurring,
	})
}

// grantOrder captures a one-time order and grants the named plan.
func (s *server) grantOrder(ctx context.Context, userID int64, orderID, planID string) (*membergate.Subscription, error) {
	if _, ok := s.manager.PlanByID(planID); !ok {
		return nil, fmt.Errorf("%w: %s", membergate.ErrUnknownPlan, planID)
	}

	order, err := s.provider.VerifyOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.CustomID != "" {
		if custom, err := strconv.ParseInt(order.CustomID, 10, 64); err == nil && custom != userID {
			return nil, fmt.Errorf("order %s belongs to another account", orderID)
		}
	}

	recurring := false
	return s.manager.Grant(ctx, &membergate.GrantRequest{
		User:       membergate.User{ID: userID},
		PlanID:     planID,
		ExternalID: order.ID,
		Recurring:  &recurring,
		Price:      order.Amount,
	})
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, http.StatusOK, "Checkout cancelled",
		"No charge was made. Come back any time.")
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *server) notifyAdmins(ctx context.Context, text string) {
	for _, id := range s.cfg.AdminIDs {
		if err := s.group.SendMessage(ctx, id, text); err != nil {
			s.logger.Debug("could not notify admin",
				membergate.Field{Key: "admin_id", Value: id})
		}
	}
}

const pageTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>%s</title>
<style>
body { font-family: sans-serif; max-width: 32rem; margin: 4rem auto; padding: 0 1rem; color: #222; }
h1 { font-size: 1.4rem; }
</style>
</head>
<body><h1>%s</h1><p>%s</p></body>
</html>`

func (s *server) renderPage(w http.ResponseWriter, code int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, pageTemplate, title, title, body)
}
