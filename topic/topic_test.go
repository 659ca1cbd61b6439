// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package topic_test

import (
	"errors"
	"testing"

	"github.com/creachadair/hubbub/topic"
	"github.com/creachadair/mds/mtest"
)

func TestMake(t *testing.T) {
	valid := []string{
		"a", "a/b/c", "svc/a", "x/y", "$other", "a.b.c", "trailing/",
		"a+b", "under_score-dash", "#", "a/+/c",
	}
	for _, s := range valid {
		got, err := topic.Make(s)
		if err != nil {
			t.Errorf("Make(%q): unexpected error: %v", s, err)
		} else if string(got) != s {
			t.Errorf("Make(%q): got %q, want input unchanged", s, got)
		}
	}

	invalid := []string{
		"", "/a", "a b", " ", "$SYS", "$SYS-like", "$SYS/x", "café", "日本",
	}
	for _, s := range invalid {
		got, err := topic.Make(s)
		if !errors.Is(err, topic.ErrInvalidTopic) {
			t.Errorf("Make(%q): got (%q, %v), want %v", s, got, err, topic.ErrInvalidTopic)
		}
	}
}

func TestMustMake(t *testing.T) {
	if got := topic.MustMake("ok/topic"); got != "ok/topic" {
		t.Errorf("MustMake: got %q, want ok/topic", got)
	}
	mtest.MustPanic(t, func() { topic.MustMake("/bad") })
}

func TestParsePattern(t *testing.T) {
	tests := []struct {
		input string
		ok    bool
	}{
		{"a/b", true},
		{"a/+/c", true},
		{"+/b", true},
		{"a/#", true},
		{"#", true},
		{"+/+/#", true},

		{"a/+", false},   // + is final
		{"+", false},     // + is final
		{"a/#/c", false}, // # is not final
		{"a/b#", false},  // partial segment
		{"a+/b", false},  // partial segment
		{"/a/#", false},  // leading slash
		{"$SYS/#", false},
	}
	for _, tc := range tests {
		_, err := topic.ParsePattern(tc.input)
		if tc.ok && err != nil {
			t.Errorf("ParsePattern(%q): unexpected error: %v", tc.input, err)
		} else if !tc.ok && !errors.Is(err, topic.ErrInvalidTopic) {
			t.Errorf("ParsePattern(%q): got %v, want %v", tc.input, err, topic.ErrInvalidTopic)
		}
	}
}

func TestValidRoot(t *testing.T) {
	for _, s := range []string{"svc/a", "hub", "wba/server"} {
		if _, err := topic.ValidRoot(s); err != nil {
			t.Errorf("ValidRoot(%q): unexpected error: %v", s, err)
		}
	}
	for _, s := range []string{"", "svc.a", "svc/#", "a/+/b", "/svc"} {
		if _, err := topic.ValidRoot(s); !errors.Is(err, topic.ErrInvalidTopic) {
			t.Errorf("ValidRoot(%q): got %v, want %v", s, err, topic.ErrInvalidTopic)
		}
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, topic string
		want           bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b", false},
		{"a/b", "a/b/c", false},
		{"a", "ab", false},

		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/b/c", false},
		{"a/+/c", "a/c", false},
		{"+/b", "x/b", true},
		{"+/b", "x/y/b", false},
		{"+/+/c", "a/b/c", true},

		{"a/#", "a", true},
		{"a/#", "a/b", true},
		{"a/#", "a/b/c", true},
		{"a/#", "ab", false},
		{"a/#", "b/a", false},
		{"#", "anything/at/all", true},
		{"a/+/#", "a/b", true},
		{"a/+/#", "a/b/c/d", true},
		{"a/+/#", "a", false},
	}
	for _, tc := range tests {
		got := topic.Match(topic.Topic(tc.pattern), topic.Topic(tc.topic))
		if got != tc.want {
			t.Errorf("Match(%q, %q): got %v, want %v", tc.pattern, tc.topic, got, tc.want)
		}
	}
}

func TestIsWildcard(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"a/b", false},
		{"a+b/c", false},
		{"a/+/c", true},
		{"a/#", true},
		{"#", true},
	}
	for _, tc := range tests {
		if got := topic.IsWildcard(topic.Topic(tc.input)); got != tc.want {
			t.Errorf("IsWildcard(%q): got %v, want %v", tc.input, got, tc.want)
		}
	}
}
