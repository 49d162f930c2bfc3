// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

package notification

import (
	"context"
	"strings"

	"github.com/msgbyte/tianji-coord/internal/logging"
)

// LogSender writes notifications to the log. Used in development and when
// no webhook endpoint is configured.
type LogSender struct{}

// NewLogSender creates a LogSender.
func NewLogSender() *LogSender { return &LogSender{} }

// Send logs the notification at info level.
func (s *LogSender) Send(ctx context.Context, target Target, title string, content []Token, meta map[string]string) error {
	var b strings.Builder
	for _, t := range content {
		switch t.Type {
		case "newline":
			b.WriteString("\n")
		case "url":
			b.WriteString(t.Text)
			b.WriteString(" (")
			b.WriteString(t.URL)
			b.WriteString(")")
		default:
			b.WriteString(t.Text)
		}
	}

	logging.Info().
		Str("target", target.Name).
		Str("title", title).
		Str("content", b.String()).
		Msg("Notification")
	return nil
}

// Verify interface implementation at compile time
var _ Sender = (*LogSender)(nil)
