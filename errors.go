// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package hubbub

import (
	"errors"
	"fmt"

	"github.com/creachadair/hubbub/message"
)

var (
	// ErrNotReady is reported for operations attempted before the node has
	// started, or after its hub connection has closed.
	ErrNotReady = errors.New("node is not ready")

	// ErrRelayTargetMissing is logged by the hub when a directed message is
	// addressed to a root topic that has not registered. The message is
	// dropped.
	ErrRelayTargetMissing = errors.New("relay target not registered")

	// ErrUnknownCommand is reported for a request naming a command that is
	// not defined by the receiving node.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrLinkClosed is reported for a request whose connection closed
	// before a response was received.
	ErrLinkClosed = errors.New("connection closed")
)

func callError(err error) *CallError { return &CallError{Err: err} }

// CallError is the concrete type of errors reported by the Request method of
// a Node. For remote command failures, the Err field is nil and the ErrorData
// contains the error details reported by the remote handler, and Response
// is the complete response message. Otherwise Err reports what went wrong
// locally, for example [ErrNotReady] or a context error.
type CallError struct {
	message.ErrorData
	Err      error             // nil for remote command failures
	Response *message.Response // set if the error came from a response
}

// Unwrap reports the underlying error of c. If c.Err == nil, this is nil.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return c.Err.Error()
	}
	return fmt.Sprintf("remote command failed: %v", c.ErrorData.Error())
}

// errorValue converts an error reported by a command handler into the value
// carried by the err field of a response.
func errorValue(err error) message.ErrorData {
	var ed message.ErrorData
	if errors.As(err, &ed) {
		return ed
	}
	var ped *message.ErrorData
	if errors.As(err, &ped) && ped != nil {
		return *ped
	}
	return message.ErrorData{Message: err.Error()}
}
