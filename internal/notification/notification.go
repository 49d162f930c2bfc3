// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

// Package notification defines the dispatch contract consumed by the quota
// alert state machine, plus a webhook sender. The actual channel fan-out
// (SMTP, IM) lives outside this service.
package notification

import "context"

// Target is the linked notification destination of an alert record.
type Target struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Type is the channel kind, e.g. "webhook", "smtp", "telegram".
	Type string `json:"type"`
	// URL is the channel endpoint for URL-addressed channels.
	URL string `json:"url,omitempty"`
}

// Token is one piece of structured notification content.
type Token struct {
	Type string `json:"type"` // "text", "strong", "url", "newline"
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Text builds a plain text token.
func Text(s string) Token { return Token{Type: "text", Text: s} }

// Strong builds an emphasized text token.
func Strong(s string) Token { return Token{Type: "strong", Text: s} }

// URL builds a link token.
func URL(title, url string) Token { return Token{Type: "url", Text: title, URL: url} }

// Newline builds a line break token.
func Newline() Token { return Token{Type: "newline"} }

// Sender delivers a notification to a target. Implementations must be safe
// for concurrent use. Callers treat delivery failures as loggable, never as
// reasons to fail the surrounding operation.
type Sender interface {
	Send(ctx context.Context, target Target, title string, content []Token, meta map[string]string) error
}
