package access_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/membergate/membergate/pkg/access"
	"github.com/membergate/membergate/pkg/membergate"
	"github.com/membergate/membergate/pkg/platform"
	"github.com/membergate/membergate/storage/memory"
)

const testGroupID = int64(-100200300)

var issueStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeGroup struct {
	links     int
	lastSpec  platform.InviteLinkSpec
	createErr error
}

func (f *fakeGroup) Me(ctx context.Context) (*platform.BotInfo, error) {
	return &platform.BotInfo{ID: 999}, nil
}

func (f *fakeGroup) GetChatMember(ctx context.Context, groupID, userID int64) (*platform.ChatMember, error) {
	return &platform.ChatMember{UserID: userID, Status: platform.MemberRegular}, nil
}

func (f *fakeGroup) GetChatAdministrators(ctx context.Context, groupID int64) ([]platform.ChatMember, error) {
	return nil, nil
}

func (f *fakeGroup) BanChatMember(ctx context.Context, groupID, userID int64) error { return nil }

func (f *fakeGroup) UnbanChatMember(ctx context.Context, groupID, userID int64, onlyIfBanned bool) error {
	return nil
}

func (f *fakeGroup) CreateInviteLink(ctx context.Context, groupID int64, spec platform.InviteLinkSpec) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.links++
	f.lastSpec = spec
	return fmt.Sprintf("https://t.me/+invite%d", f.links), nil
}

func (f *fakeGroup) SendMessage(ctx context.Context, chatID int64, text string) error { return nil }

func newTestIssuer(t *testing.T, group *fakeGroup) (*access.Issuer, *membergate.Manager, *membergate.FakeClock) {
	t.Helper()

	clock := membergate.NewFakeClock(issueStart)
	manager, err := membergate.NewManager(memory.New(), membergate.Config{
		Plans: map[string]membergate.PlanConfig{
			"monthly": {ID: "monthly", DisplayName: "Monthly", PriceUSD: 9.99, DurationDays: 30, Recurring: true},
		},
		Clock: clock,
	})
	require.NoError(t, err)

	issuer, err := access.New(manager, group, access.Config{GroupID: testGroupID})
	require.NoError(t, err)
	return issuer, manager, clock
}

func TestIssuePersistsSingleUseLink(t *testing.T) {
	group := &fakeGroup{}
	issuer, manager, _ := newTestIssuer(t, group)
	ctx := context.Background()

	sub, err := manager.Grant(ctx, &membergate.GrantRequest{
		User: membergate.User{ID: 100}, PlanID: "monthly", ExternalID: "I-AAA111",
	})
	require.NoError(t, err)

	invite, err := issuer.Issue(ctx, sub)
	require.NoError(t, err)
	require.NotZero(t, invite.ID)
	require.Equal(t, sub.ID, invite.SubscriptionID)
	require.Equal(t, "https://t.me/+invite1", invite.Link)
	require.Equal(t, issueStart.Add(24*time.Hour), invite.ExpiresAt)

	require.Equal(t, 1, group.lastSpec.MemberLimit)
	require.Equal(t, fmt.Sprintf("sub-%d", sub.ID), group.lastSpec.Name)

	stats, err := manager.Store().Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.InviteLinks)
}

func TestIssueSurfacesPlatformFailure(t *testing.T) {
	group := &fakeGroup{createErr: platform.ErrAPIError}
	issuer, manager, _ := newTestIssuer(t, group)
	ctx := context.Background()

	sub, err := manager.Grant(ctx, &membergate.GrantRequest{
		User: membergate.User{ID: 100}, PlanID: "monthly", ExternalID: "I-AAA111",
	})
	require.NoError(t, err)

	_, err = issuer.Issue(ctx, sub)
	require.ErrorIs(t, err, platform.ErrAPIError)
}

func TestRecoverRefusesUnentitledUser(t *testing.T) {
	group := &fakeGroup{}
	issuer, _, _ := newTestIssuer(t, group)

	_, err := issuer.Recover(context.Background(), 100)
	require.ErrorIs(t, err, membergate.ErrSubscriptionNotFound)
	require.Zero(t, group.links)
}

func TestRecoverMintsFreshLink(t *testing.T) {
	group := &fakeGroup{}
	issuer, manager, _ := newTestIssuer(t, group)
	ctx := context.Background()

	sub, err := manager.Grant(ctx, &membergate.GrantRequest{
		User: membergate.User{ID: 100}, PlanID: "monthly", ExternalID: "I-AAA111",
	})
	require.NoError(t, err)

	first, err := issuer.Issue(ctx, sub)
	require.NoError(t, err)

	// The user lost the first link; recovery never re-sends a spent link.
	second, err := issuer.Recover(ctx, 100)
	require.NoError(t, err)
	require.NotEqual(t, first.Link, second.Link)
	require.Equal(t, sub.ID, second.SubscriptionID)
}

func TestRecoverDuringGraceWindow(t *testing.T) {
	group := &fakeGroup{}
	issuer, manager, clock := newTestIssuer(t, group)
	ctx := context.Background()

	_, err := manager.Grant(ctx, &membergate.GrantRequest{
		User: membergate.User{ID: 100}, PlanID: "monthly", ExternalID: "I-AAA111",
	})
	require.NoError(t, err)

	// Past the end but inside grace the user is still entitled.
	clock.Advance(30*24*time.Hour + 12*time.Hour)

	invite, err := issuer.Recover(ctx, 100)
	require.NoError(t, err)
	require.NotEmpty(t, invite.Link)
}
