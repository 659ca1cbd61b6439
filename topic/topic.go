// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package topic defines validated topic names and subscription patterns.
//
// A topic is a non-empty ASCII string of "/"-separated segments. It may not
// begin with "/", contain spaces, or begin with the reserved [SystemPrefix].
//
// A pattern is a topic that may also contain wildcard segments:
//
//   - "+" matches exactly one segment, and may not be the final segment.
//   - "#" matches the remainder of the topic, including zero segments, and
//     must be the final segment.
//
// For example, "a/+/c" matches "a/b/c" but not "a/b/b/c", and "a/#" matches
// "a", "a/b", and "a/b/c".
package topic

import (
	"errors"
	"fmt"
	"strings"
)

// SystemPrefix is the reserved prefix of system control messages.
const SystemPrefix = "$SYS"

// ErrInvalidTopic is reported (wrapped) for all topic validation failures.
var ErrInvalidTopic = errors.New("invalid topic")

// Topic is a validated topic name or subscription pattern.
type Topic string

// String returns t as a plain string.
func (t Topic) String() string { return string(t) }

// Segments returns the "/"-separated segments of t.
func (t Topic) Segments() []string { return strings.Split(string(t), "/") }

func invalid(s, why string) error {
	return fmt.Errorf("%w %q: %s", ErrInvalidTopic, s, why)
}

// Make validates s as a topic name and returns it unchanged.
func Make(s string) (Topic, error) {
	switch {
	case s == "":
		return "", invalid(s, "must contain at least 1 character")
	case strings.HasPrefix(s, "/"):
		return "", invalid(s, "must not start with a forward slash")
	case strings.Contains(s, " "):
		return "", invalid(s, "must not contain spaces")
	case !isASCII(s):
		return "", invalid(s, "must only contain ASCII characters")
	case strings.HasPrefix(s, SystemPrefix):
		return "", invalid(s, "must not start with "+SystemPrefix)
	}
	return Topic(s), nil
}

// MustMake is as [Make], but panics if s is not a valid topic.
func MustMake(s string) Topic {
	t, err := Make(s)
	if err != nil {
		panic(err)
	}
	return t
}

// ParsePattern validates s as a subscription pattern.
func ParsePattern(s string) (Topic, error) {
	t, err := Make(s)
	if err != nil {
		return "", err
	}
	segs := t.Segments()
	for i, seg := range segs {
		last := i == len(segs)-1
		switch {
		case seg == "#" && !last:
			return "", invalid(s, `"#" must be the final segment`)
		case seg == "+" && last:
			return "", invalid(s, `"+" may not be the final segment`)
		case seg != "#" && seg != "+" && strings.ContainsAny(seg, "#+"):
			return "", invalid(s, "wildcards must occupy a whole segment")
		}
	}
	return t, nil
}

// ValidRoot validates s as a root topic. Root topics are topics that also
// do not contain ".", which separates the fields of a system message.
func ValidRoot(s string) (Topic, error) {
	t, err := Make(s)
	if err != nil {
		return "", err
	}
	if strings.Contains(s, ".") {
		return "", invalid(s, `root topics must not contain "."`)
	}
	if IsWildcard(t) {
		return "", invalid(s, "root topics must not contain wildcards")
	}
	return t, nil
}

// IsWildcard reports whether p contains a "+" or "#" segment.
func IsWildcard(p Topic) bool {
	for _, seg := range p.Segments() {
		if seg == "+" || seg == "#" {
			return true
		}
	}
	return false
}

// Match reports whether pattern p matches topic t.
func Match(p, t Topic) bool {
	if p == t {
		return true
	}
	ps, ts := p.Segments(), t.Segments()
	for i, seg := range ps {
		if seg == "#" {
			return true // remaining topic segments, possibly none
		}
		if i >= len(ts) {
			return false
		}
		if seg != "+" && seg != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
