package domain

// MessageType enumerates message variants.
type MessageType string

// MessageTypeMessage is a plain text message, the only variant today.
const MessageTypeMessage MessageType = "Message"

// Message is a chat message. Timestamp is in Unix milliseconds.
type Message struct {
	ID        string      `json:"id"`
	Text      string      `json:"text"`
	Author    string      `json:"author"`
	Timestamp int64       `json:"timestamp"`
	Type      MessageType `json:"type"`
	Reactions Reactions   `json:"reactions"`
}

// WithKey returns a copy of m whose ID is key.
func (m Message) WithKey(key string) Message {
	m.ID = key
	if m.Reactions == nil {
		m.Reactions = Reactions{}
	}
	return m
}
