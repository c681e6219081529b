package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lumenchat/lumen/internal/llm"
)

// Chat is one conversation owned by a user.
type Chat struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one persisted turn within a chat. The Parts field stores the
// full llm.Message.Parts as JSON so tool calls and results replay exactly.
type Message struct {
	ID        string     `json:"id"`
	ChatID    string     `json:"chatId"`
	Role      llm.Role   `json:"role"`
	Content   string     `json:"content"` // extracted text for listing
	Parts     []llm.Part `json:"parts"`
	CreatedAt time.Time  `json:"createdAt"`
	Sequence  int        `json:"sequence"`
}

// Summary is a lightweight view of a chat for listing.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// NewID returns a fresh chat or message id.
func NewID() string {
	return uuid.NewString()
}

// NewMessage creates a Message from an llm.Message. Sequence -1 asks the
// store to allocate the next sequence in the chat.
func NewMessage(chatID string, msg llm.Message) *Message {
	m := &Message{
		ID:        NewID(),
		ChatID:    chatID,
		Role:      msg.Role,
		Parts:     msg.Parts,
		CreatedAt: time.Now(),
		Sequence:  -1,
	}
	m.Content = m.ExtractContent()
	return m
}

// ExtractContent concatenates the text parts of the message.
func (m *Message) ExtractContent() string {
	var text string
	for _, p := range m.Parts {
		if p.Type == llm.PartText && p.Text != "" {
			if text != "" {
				text += "\n"
			}
			text += p.Text
		}
	}
	return text
}

// ToLLMMessage converts a stored message back for the model loop.
func (m *Message) ToLLMMessage() llm.Message {
	return llm.Message{
		Role:  m.Role,
		Parts: m.Parts,
	}
}

// TruncateTitle returns the first line of content, truncated to 100 chars.
// Used to derive a chat title from the first user message.
func TruncateTitle(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "\n"); idx != -1 {
		content = content[:idx]
	}
	if len(content) > 100 {
		content = content[:97] + "..."
	}
	return content
}
