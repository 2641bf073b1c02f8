package telegram

// Update is an incoming Bot API update delivered to the webhook. Only the
// fields the gatekeeper inspects are declared.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is a chat message inside an Update.
type Message struct {
	MessageID      int64  `json:"message_id"`
	From           *User  `json:"from"`
	Chat           Chat   `json:"chat"`
	Text           string `json:"text"`
	NewChatMembers []User `json:"new_chat_members"`
	LeftChatMember *User  `json:"left_chat_member"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

// Joiner describes a user who just entered the group.
type Joiner struct {
	UserID    int64
	FirstName string
	LastName  string
	Handle    string
	IsBot     bool
}

// Joiners extracts the users added to the group by this update, nil when
// the update is not a join event.
func (u *Update) Joiners() []Joiner {
	if u.Message == nil || len(u.Message.NewChatMembers) == 0 {
		return nil
	}
	out := make([]Joiner, 0, len(u.Message.NewChatMembers))
	for _, m := range u.Message.NewChatMembers {
		out = append(out, Joiner{
			UserID:    m.ID,
			FirstName: m.FirstName,
			LastName:  m.LastName,
			Handle:    m.Username,
			IsBot:     m.IsBot,
		})
	}
	return out
}

// ChatID returns the chat the update came from, zero when absent.
func (u *Update) ChatID() int64 {
	if u.Message == nil {
		return 0
	}
	return u.Message.Chat.ID
}
