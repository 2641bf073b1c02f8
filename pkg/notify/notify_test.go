package notify_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/membergate/membergate/pkg/membergate"
	"github.com/membergate/membergate/pkg/notify"
	"github.com/membergate/membergate/pkg/platform"
	"github.com/membergate/membergate/storage/memory"
)

var notifyStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type messageSink struct {
	mu       sync.Mutex
	messages map[int64][]string
	sendErr  error
}

func newMessageSink() *messageSink {
	return &messageSink{messages: make(map[int64][]string)}
}

func (m *messageSink) Me(ctx context.Context) (*platform.BotInfo, error) {
	return &platform.BotInfo{ID: 999}, nil
}

func (m *messageSink) GetChatMember(ctx context.Context, groupID, userID int64) (*platform.ChatMember, error) {
	return &platform.ChatMember{UserID: userID, Status: platform.MemberRegular}, nil
}

func (m *messageSink) GetChatAdministrators(ctx context.Context, groupID int64) ([]platform.ChatMember, error) {
	return nil, nil
}

func (m *messageSink) BanChatMember(ctx context.Context, groupID, userID int64) error { return nil }

func (m *messageSink) UnbanChatMember(ctx context.Context, groupID, userID int64, onlyIfBanned bool) error {
	return nil
}

func (m *messageSink) CreateInviteLink(ctx context.Context, groupID int64, spec platform.InviteLinkSpec) (string, error) {
	return "https://t.me/+fake", nil
}

func (m *messageSink) SendMessage(ctx context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.messages[chatID] = append(m.messages[chatID], text)
	return nil
}

func (m *messageSink) sent(chatID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages[chatID]...)
}

func newTestNotifier(t *testing.T, sink *messageSink) (*notify.Notifier, *membergate.Manager, *membergate.FakeClock) {
	t.Helper()

	clock := membergate.NewFakeClock(notifyStart)
	manager, err := membergate.NewManager(memory.New(), membergate.Config{
		Plans: map[string]membergate.PlanConfig{
			"monthly": {ID: "monthly", DisplayName: "Monthly", PriceUSD: 9.99, DurationDays: 30, Recurring: true},
			"week":    {ID: "week", DisplayName: "Week pass", PriceUSD: 3.50, DurationDays: 7},
		},
		Clock: clock,
	})
	require.NoError(t, err)

	notifier, err := notify.New(manager, sink, notify.Config{})
	require.NoError(t, err)
	return notifier, manager, clock
}

func TestScanNotifiesUpcomingRenewal(t *testing.T) {
	sink := newMessageSink()
	notifier, manager, clock := newTestNotifier(t, sink)
	ctx := context.Background()

	_, err := manager.Grant(ctx, &membergate.GrantRequest{
		User: membergate.User{ID: 100}, PlanID: "monthly", ExternalID: "I-AAA111",
	})
	require.NoError(t, err)

	// Outside the advance window nothing goes out.
	require.NoError(t, notifier.Scan(ctx))
	require.Empty(t, sink.sent(100))

	clock.Advance(29 * 24 * time.Hour)
	require.NoError(t, notifier.Scan(ctx))

	msgs := sink.sent(100)
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "Monthly subscription renews on")
	require.Contains(t, msgs[0], "Jul 1, 2025")
}

func TestScanDoesNotRepeatNotice(t *testing.T) {
	sink := newMessageSink()
	notifier, manager, clock := newTestNotifier(t, sink)
	ctx := context.Background()

	_, err := manager.Grant(ctx, &membergate.GrantRequest{
		User: membergate.User{ID: 100}, PlanID: "monthly", ExternalID: "I-AAA111",
	})
	require.NoError(t, err)

	clock.Advance(29 * 24 * time.Hour)
	require.NoError(t, notifier.Scan(ctx))
	clock.Advance(time.Hour)
	require.NoError(t, notifier.Scan(ctx))

	require.Len(t, sink.sent(100), 1, "the suppression window blocks a repeat")
}

func TestScanSkipsOneTimePlans(t *testing.T) {
	sink := newMessageSink()
	notifier, manager, clock := newTestNotifier(t, sink)
	ctx := context.Background()

	recurring := false
	_, err := manager.Grant(ctx, &membergate.GrantRequest{
		User: membergate.User{ID: 100}, PlanID: "week", ExternalID: "ORDER-1",
		Recurring: &recurring,
	})
	require.NoError(t, err)

	clock.Advance(6 * 24 * time.Hour)
	require.NoError(t, notifier.Scan(ctx))
	require.Empty(t, sink.sent(100), "one-time purchases never renew")
}
