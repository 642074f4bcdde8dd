package models

import "time"

// Message is one chat message. Chat is a thin side feature next to
// presence and signaling: append, bounded history, list last N.
type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Nickname  string    `json:"nickname"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// SendMessageRequest is the body of POST /api/message.
type SendMessageRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Nickname string `json:"nickname" binding:"required"`
	Text     string `json:"text" binding:"required"`
}
