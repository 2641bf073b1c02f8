// Package platform abstracts the chat platform hosting the private group.
// The gatekeeper talks to the group through the GroupAPI interface so the
// enforcement and invite logic stays platform-agnostic.
package platform

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAPIError is returned when the platform API rejects a request
	ErrAPIError = errors.New("platform API error")

	// ErrNotInGroup is returned when a user is not a member of the group
	ErrNotInGroup = errors.New("user not in group")

	// ErrInsufficientRights is returned when the bot lacks the admin
	// permissions an operation needs
	ErrInsufficientRights = errors.New("insufficient rights in group")
)

// MemberStatus is the platform-reported membership state of a user.
type MemberStatus string

const (
	MemberCreator       MemberStatus = "creator"
	MemberAdministrator MemberStatus = "administrator"
	MemberRegular       MemberStatus = "member"
	MemberRestricted    MemberStatus = "restricted"
	MemberLeft          MemberStatus = "left"
	MemberBanned        MemberStatus = "kicked"
)

// ChatMember describes a group member.
type ChatMember struct {
	UserID    int64
	FirstName string
	LastName  string
	Handle    string
	IsBot     bool
	Status    MemberStatus
}

// BotInfo describes the bot account itself.
type BotInfo struct {
	ID       int64
	Username string
}

// InviteLinkSpec configures a minted invite link.
type InviteLinkSpec struct {
	// ExpireAt is when the link stops working
	ExpireAt time.Time

	// MemberLimit caps how many users may join through the link
	MemberLimit int

	// Name labels the link in the group's admin UI
	Name string
}

// GroupAPI is the platform surface the gatekeeper needs: membership
// inspection, removal, invite links, and direct messages.
type GroupAPI interface {
	// Me returns the bot's own identity.
	Me(ctx context.Context) (*BotInfo, error)

	// GetChatMember returns the membership state of one user.
	GetChatMember(ctx context.Context, groupID, userID int64) (*ChatMember, error)

	// GetChatAdministrators lists the group's admins.
	GetChatAdministrators(ctx context.Context, groupID int64) ([]ChatMember, error)

	// BanChatMember removes a user from the group.
	BanChatMember(ctx context.Context, groupID, userID int64) error

	// UnbanChatMember lifts a ban so the user may rejoin later. When
	// onlyIfBanned is true the call is a no-op for non-banned users.
	UnbanChatMember(ctx context.Context, groupID, userID int64, onlyIfBanned bool) error

	// CreateInviteLink mints a fresh invite link for the group.
	CreateInviteLink(ctx context.Context, groupID int64, spec InviteLinkSpec) (string, error)

	// SendMessage sends a direct message to a user or chat.
	SendMessage(ctx context.Context, chatID int64, text string) error
}
