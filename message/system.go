// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/creachadair/hubbub/topic"
)

// Instruction is the operation named by a system message.
type Instruction string

const (
	Register    Instruction = "register"    // A node announces its root topic to the hub
	Announce    Instruction = "announce"    // The hub introduces a peer to a node
	Subscribe   Instruction = "subscribe"   // Add a subscription for the sender
	Unsubscribe Instruction = "unsubscribe" // Remove a subscription for the sender
)

func (in Instruction) valid() bool {
	switch in {
	case Register, Announce, Subscribe, Unsubscribe:
		return true
	}
	return false
}

// System is the parsed format of a system message:
//
//	$SYS.<instruction>.<root>.<topic>.<port>[.<net>]
//
// The topic may be empty (as for register and announce). The net field, if
// present, is a JSON object mapping root topics to ports.
//
// Root topics may not contain ".", so the root is the field following the
// instruction. The port is the last field before the optional net object,
// and the topic is everything in between, so topics may contain ".".
type System struct {
	Instruction Instruction
	Root        string
	Topic       string
	Port        int
	Net         map[string]int
}

// Encode encodes s in wire format.
func (s System) Encode() string {
	var sb strings.Builder
	sb.WriteString(topic.SystemPrefix)
	for _, f := range []string{string(s.Instruction), s.Root, s.Topic, strconv.Itoa(s.Port)} {
		sb.WriteByte('.')
		sb.WriteString(f)
	}
	if s.Net != nil {
		net, err := json.Marshal(s.Net)
		if err != nil {
			panic(fmt.Errorf("encoding net: %w", err))
		}
		sb.WriteByte('.')
		sb.Write(net)
	}
	return sb.String()
}

// String returns a human-friendly rendering of the system message.
func (s System) String() string {
	return fmt.Sprintf("System(%s, root=%s, topic=%q, port=%d)", s.Instruction, s.Root, s.Topic, s.Port)
}

// ParseSystem decodes data as a system message.
func ParseSystem(data string) (*System, error) {
	rest, ok := strings.CutPrefix(data, topic.SystemPrefix+".")
	if !ok {
		return nil, errors.New("missing system prefix")
	}

	// Peel off the net object, if present. It follows the port field and
	// runs to the end of the message. A topic may also contain "{", so a
	// candidate counts only if it follows a numeric field and the remainder
	// is a complete JSON object.
	var net map[string]int
	for i := 0; ; {
		j := strings.Index(rest[i:], ".{")
		if j < 0 {
			break
		}
		j += i
		if obj := rest[j+1:]; endsInPort(rest[:j]) && json.Valid([]byte(obj)) {
			if err := json.Unmarshal([]byte(obj), &net); err != nil {
				return nil, fmt.Errorf("invalid net field: %w", err)
			}
			rest = rest[:j]
			break
		}
		i = j + 1
	}

	instr, rest, ok := strings.Cut(rest, ".")
	if !ok {
		return nil, errors.New("missing root field")
	}
	if !Instruction(instr).valid() {
		return nil, fmt.Errorf("unknown instruction %q", instr)
	}
	root, rest, ok := strings.Cut(rest, ".")
	if !ok {
		return nil, errors.New("missing topic field")
	}
	i := strings.LastIndex(rest, ".")
	if i < 0 {
		return nil, errors.New("missing port field")
	}
	port, err := strconv.Atoi(rest[i+1:])
	if err != nil || port < 0 {
		return nil, fmt.Errorf("invalid port %q", rest[i+1:])
	}
	return &System{
		Instruction: Instruction(instr),
		Root:        root,
		Topic:       rest[:i],
		Port:        port,
		Net:         net,
	}, nil
}

// endsInPort reports whether the last "."-separated field of s is a
// non-empty string of decimal digits.
func endsInPort(s string) bool {
	f := s[strings.LastIndex(s, ".")+1:]
	if f == "" {
		return false
	}
	for _, c := range f {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
