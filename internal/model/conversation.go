package model

import "time"

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// ConversationTurn is append-only. ContactID is nil for unknown senders.
type ConversationTurn struct {
	ID                int64     `json:"id"`
	ContactID         *int64    `json:"contactId,omitempty"`
	Direction         Direction `json:"direction"`
	Text              string    `json:"text"`
	Language          string    `json:"language"`
	Intent            string    `json:"intent,omitempty"`
	NeedsPastoralCare bool      `json:"needsPastoralCare"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Role maps a turn onto the chat role used in conversational history.
func (t ConversationTurn) Role() string {
	if t.Direction == Inbound {
		return "user"
	}
	return "assistant"
}
