// Package telegram implements platform.GroupAPI against the Telegram Bot
// API. Requests are plain HTTPS calls; responses use the standard
// {ok, result, description} envelope.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/membergate/membergate/pkg/membergate"
	"github.com/membergate/membergate/pkg/platform"
)

const (
	defaultAPIBaseURL  = "https://api.telegram.org"
	defaultHTTPTimeout = 10 * time.Second
)

// Client is a Telegram Bot API client.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     membergate.Logger
}

// Config configures a Telegram client.
type Config struct {
	// Token is the bot token from BotFather
	Token string

	// BaseURL overrides the API host (tests)
	BaseURL string

	HTTPClient *http.Client
	Logger     membergate.Logger
}

// New creates a Telegram Bot API client.
func New(config Config) (*Client, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	logger := config.Logger
	if logger == nil {
		logger = &membergate.NoopLogger{}
	}

	return &Client{
		token:      config.Token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// call performs one Bot API method call and decodes the result into out
// when out is non-nil.
func (c *Client) call(ctx context.Context, method string, params, out interface{}) error {
	var body *bytes.Reader
	if params != nil {
		buf, err := json.Marshal(params)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	} else {
		body = bytes.NewReader(nil)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", platform.ErrAPIError, method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%w: %s: %v", platform.ErrAPIError, method, err)
	}
	if !envelope.OK {
		desc := strings.ToLower(envelope.Description)
		switch {
		case strings.Contains(desc, "not found") || strings.Contains(desc, "user not found"):
			return platform.ErrNotInGroup
		case strings.Contains(desc, "not enough rights") || strings.Contains(desc, "need administrator"):
			return platform.ErrInsufficientRights
		}
		return fmt.Errorf("%w: %s: %s", platform.ErrAPIError, method, envelope.Description)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}

// User is a Telegram account as the Bot API reports it.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type tgChatMember struct {
	User   User   `json:"user"`
	Status string `json:"status"`
}

func (m *tgChatMember) toPlatform() platform.ChatMember {
	return platform.ChatMember{
		UserID:    m.User.ID,
		FirstName: m.User.FirstName,
		LastName:  m.User.LastName,
		Handle:    m.User.Username,
		IsBot:     m.User.IsBot,
		Status:    platform.MemberStatus(m.Status),
	}
}

// Me implements platform.GroupAPI
func (c *Client) Me(ctx context.Context) (*platform.BotInfo, error) {
	var user User
	if err := c.call(ctx, "getMe", nil, &user); err != nil {
		return nil, err
	}
	return &platform.BotInfo{ID: user.ID, Username: user.Username}, nil
}

// GetChatMember implements platform.GroupAPI
func (c *Client) GetChatMember(ctx context.Context, groupID, userID int64) (*platform.ChatMember, error) {
	params := map[string]interface{}{"chat_id": groupID, "user_id": userID}
	var member tgChatMember
	if err := c.call(ctx, "getChatMember", params, &member); err != nil {
		return nil, err
	}
	out := member.toPlatform()
	return &out, nil
}

// GetChatAdministrators implements platform.GroupAPI
func (c *Client) GetChatAdministrators(ctx context.Context, groupID int64) ([]platform.ChatMember, error) {
	params := map[string]interface{}{"chat_id": groupID}
	var members []tgChatMember
	if err := c.call(ctx, "getChatAdministrators", params, &members); err != nil {
		return nil, err
	}
	out := make([]platform.ChatMember, 0, len(members))
	for i := range members {
		out = append(out, members[i].toPlatform())
	}
	return out, nil
}

// BanChatMember implements platform.GroupAPI
func (c *Client) BanChatMember(ctx context.Context, groupID, userID int64) error {
	params := map[string]interface{}{"chat_id": groupID, "user_id": userID}
	return c.call(ctx, "banChatMember", params, nil)
}

// UnbanChatMember implements platform.GroupAPI
func (c *Client) UnbanChatMember(ctx context.Context, groupID, userID int64, onlyIfBanned bool) error {
	params := map[string]interface{}{
		"chat_id":        groupID,
		"user_id":        userID,
		"only_if_banned": onlyIfBanned,
	}
	return c.call(ctx, "unbanChatMember", params, nil)
}

type tgInviteLink struct {
	InviteLink string `json:"invite_link"`
}

// CreateInviteLink implements platform.GroupAPI
func (c *Client) CreateInviteLink(ctx context.Context, groupID int64, spec platform.InviteLinkSpec) (string, error) {
	params := map[string]interface{}{"chat_id": groupID}
	if !spec.ExpireAt.IsZero() {
		params["expire_date"] = spec.ExpireAt.Unix()
	}
	if spec.MemberLimit > 0 {
		params["member_limit"] = spec.MemberLimit
	}
	if spec.Name != "" {
		params["name"] = spec.Name
	}

	var link tgInviteLink
	if err := c.call(ctx, "createChatInviteLink", params, &link); err != nil {
		return "", err
	}
	if link.InviteLink == "" {
		return "", fmt.Errorf("%w: createChatInviteLink returned empty link", platform.ErrAPIError)
	}
	return link.InviteLink, nil
}

// SetWebhook registers url as the delivery target for Bot API updates.
func (c *Client) SetWebhook(ctx context.Context, url string) error {
	params := map[string]interface{}{
		"url":             url,
		"allowed_updates": []string{"message"},
	}
	return c.call(ctx, "setWebhook", params, nil)
}

// SendMessage implements platform.GroupAPI
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	params := map[string]interface{}{"chat_id": chatID, "text": text}
	return c.call(ctx, "sendMessage", params, nil)
}
