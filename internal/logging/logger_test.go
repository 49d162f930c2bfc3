// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":    zerolog.TraceLevel,
		"debug":    zerolog.DebugLevel,
		"info":     zerolog.InfoLevel,
		"warn":     zerolog.WarnLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"fatal":    zerolog.FatalLevel,
		"disabled": zerolog.Disabled,
		"ERROR":    zerolog.ErrorLevel,
		"bogus":    zerolog.InfoLevel,
		"":         zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInitWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	defer Init(Config{})

	Info().Str("component", "test").Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"component":"test"`) {
		t.Errorf("Expected structured field in output, got %s", out)
	}
	if !strings.Contains(out, `"message":"hello"`) {
		t.Errorf("Expected message in output, got %s", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Output: &buf})
	defer Init(Config{})

	Debug().Msg("too quiet")
	Info().Msg("still too quiet")
	Warn().Msg("loud enough")

	out := buf.String()
	if strings.Contains(out, "too quiet") {
		t.Errorf("Expected sub-threshold messages to be dropped, got %s", out)
	}
	if !strings.Contains(out, "loud enough") {
		t.Errorf("Expected warn message to pass, got %s", out)
	}
}

func TestSetLoggerSwapsGlobal(t *testing.T) {
	var buf bytes.Buffer
	prev := Logger()
	SetLogger(NewTestLogger(&buf))
	defer SetLogger(prev)

	Info().Msg("captured")
	if !strings.Contains(buf.String(), "captured") {
		t.Errorf("Expected swapped logger to receive output, got %s", buf.String())
	}
}

func TestWithAddsDefaultFields(t *testing.T) {
	var buf bytes.Buffer
	prev := Logger()
	SetLogger(NewTestLogger(&buf))
	defer SetLogger(prev)

	child := With().Str("component", "lock").Logger()
	child.Info().Msg("scoped")

	if !strings.Contains(buf.String(), `"component":"lock"`) {
		t.Errorf("Expected child field in output, got %s", buf.String())
	}
}
