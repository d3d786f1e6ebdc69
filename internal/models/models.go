package models

import "time"

// Conversation is one stored chat thread against the workspace.
type Conversation struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Created time.Time `json:"createdAt"`
	Updated time.Time `json:"updatedAt"`
}

// ChatMessage is one stored turn. FullContent preserves the originally-sent
// prompt body for user messages, including the embedded workspace digest;
// Content is what the user typed or the model answered.
type ChatMessage struct {
	ID          string    `json:"id"`
	ConvID      string    `json:"conversationID"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	FullContent string    `json:"fullContent,omitempty"`
	Created     time.Time `json:"createdAt"`
}
