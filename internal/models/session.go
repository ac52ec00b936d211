package models

import "time"

// ChatSession groups the follow-up questions a user asks about one paper.
type ChatSession struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	PaperID   string    `json:"paper_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}
