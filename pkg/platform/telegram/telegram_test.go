package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/membergate/membergate/pkg/platform"
)

// botAPI fakes the Bot API envelope for a fixed set of method responses.
type botAPI struct {
	responses map[string]string
	requests  map[string]map[string]interface{}
}

func newBotAPI() *botAPI {
	return &botAPI{
		responses: make(map[string]string),
		requests:  make(map[string]map[string]interface{}),
	}
}

func (b *botAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		method := parts[len(parts)-1]

		var params map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&params)
		b.requests[method] = params

		resp, ok := b.responses[method]
		if !ok {
			resp = `{"ok": true, "result": true}`
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(resp))
	})
}

func newTestClient(t *testing.T, api *botAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	client, err := New(Config{Token: "123:testtoken", BaseURL: srv.URL})
	require.NoError(t, err)
	return client
}

func TestMe(t *testing.T) {
	api := newBotAPI()
	api.responses["getMe"] = `{"ok": true, "result": {"id": 999, "is_bot": true, "first_name": "Gate", "username": "gatebot"}}`
	client := newTestClient(t, api)

	me, err := client.Me(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(999), me.ID)
	require.Equal(t, "gatebot", me.Username)
}

func TestGetChatMember(t *testing.T) {
	api := newBotAPI()
	api.responses["getChatMember"] = `{"ok": true, "result": {"user": {"id": 100, "first_name": "Alice", "username": "alice"}, "status": "member"}}`
	client := newTestClient(t, api)

	member, err := client.GetChatMember(context.Background(), -100200300, 100)
	require.NoError(t, err)
	require.Equal(t, int64(100), member.UserID)
	require.Equal(t, "alice", member.Handle)
	require.Equal(t, platform.MemberRegular, member.Status)

	require.Equal(t, float64(-100200300), api.requests["getChatMember"]["chat_id"])
	require.Equal(t, float64(100), api.requests["getChatMember"]["user_id"])
}

func TestGetChatMemberNotFound(t *testing.T) {
	api := newBotAPI()
	api.responses["getChatMember"] = `{"ok": false, "error_code": 400, "description": "Bad Request: user not found"}`
	client := newTestClient(t, api)

	_, err := client.GetChatMember(context.Background(), -100200300, 100)
	require.ErrorIs(t, err, platform.ErrNotInGroup)
}

func TestBanChatMemberInsufficientRights(t *testing.T) {
	api := newBotAPI()
	api.responses["banChatMember"] = `{"ok": false, "error_code": 400, "description": "Bad Request: not enough rights to restrict/unrestrict chat member"}`
	client := newTestClient(t, api)

	err := client.BanChatMember(context.Background(), -100200300, 100)
	require.ErrorIs(t, err, platform.ErrInsufficientRights)
}

func TestAPIErrorCarriesDescription(t *testing.T) {
	api := newBotAPI()
	api.responses["sendMessage"] = `{"ok": false, "error_code": 403, "description": "Forbidden: bot was blocked by the user"}`
	client := newTestClient(t, api)

	err := client.SendMessage(context.Background(), 100, "hello")
	require.ErrorIs(t, err, platform.ErrAPIError)
	require.Contains(t, err.Error(), "bot was blocked")
}

func TestUnbanChatMemberOnlyIfBanned(t *testing.T) {
	api := newBotAPI()
	client := newTestClient(t, api)

	require.NoError(t, client.UnbanChatMember(context.Background(), -100200300, 100, true))
	require.Equal(t, true, api.requests["unbanChatMember"]["only_if_banned"])
}

func TestCreateInviteLink(t *testing.T) {
	api := newBotAPI()
	api.responses["createChatInviteLink"] = `{"ok": true, "result": {"invite_link": "https://t.me/+abcdef"}}`
	client := newTestClient(t, api)

	expire := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	link, err := client.CreateInviteLink(context.Background(), -100200300, platform.InviteLinkSpec{
		ExpireAt:    expire,
		MemberLimit: 1,
		Name:        "sub-7",
	})
	require.NoError(t, err)
	require.Equal(t, "https://t.me/+abcdef", link)

	params := api.requests["createChatInviteLink"]
	require.Equal(t, float64(expire.Unix()), params["expire_date"])
	require.Equal(t, float64(1), params["member_limit"])
	require.Equal(t, "sub-7", params["name"])
}

func TestSetWebhook(t *testing.T) {
	api := newBotAPI()
	client := newTestClient(t, api)

	require.NoError(t, client.SetWebhook(context.Background(), "https://gate.example.com/webhook/123:testtoken"))
	require.Equal(t, "https://gate.example.com/webhook/123:testtoken", api.requests["setWebhook"]["url"])
}

func TestGetChatAdministrators(t *testing.T) {
	api := newBotAPI()
	api.responses["getChatAdministrators"] = `{"ok": true, "result": [
		{"user": {"id": 1, "first_name": "Owner"}, "status": "creator"},
		{"user": {"id": 2, "first_name": "Mod"}, "status": "administrator"}
	]}`
	client := newTestClient(t, api)

	admins, err := client.GetChatAdministrators(context.Background(), -100200300)
	require.NoError(t, err)
	require.Len(t, admins, 2)
	require.Equal(t, platform.MemberCreator, admins[0].Status)
	require.Equal(t, platform.MemberAdministrator, admins[1].Status)
}
