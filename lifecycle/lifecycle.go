// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package lifecycle implements the signals a hub process exchanges with the
// supervisor that started it. The hub reports "ready" when it is accepting
// connections and "ended" when it has shut down, and the supervisor asks the
// hub to shut down in stages with "end".
//
// Signals are exchanged as one JSON object per line on a pair of pipes,
// typically the standard input and output of the hub process.
package lifecycle

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/creachadair/taskgroup"
	"go.uber.org/multierr"
)

// Kind identifies the type of a lifecycle signal.
type Kind string

const (
	Ready Kind = "ready" // the sender is accepting connections
	Ended Kind = "ended" // the sender has shut down
	End   Kind = "end"   // the receiver should perform a shutdown stage
)

// A Signal is a single lifecycle message.
type Signal struct {
	Kind  Kind   `json:"kind"`
	Stage int    `json:"stage,omitempty"` // for End
	ID    string `json:"id,omitempty"`    // optional sender label
}

func (s Signal) String() string {
	if s.Kind == End {
		return fmt.Sprintf("%s(%d)", s.Kind, s.Stage)
	}
	return string(s.Kind)
}

func (s Signal) check() error {
	switch s.Kind {
	case Ready, Ended, End:
		if s.Stage < 0 {
			return fmt.Errorf("invalid stage %d", s.Stage)
		}
		return nil
	}
	return fmt.Errorf("unknown signal kind %q", s.Kind)
}

// A Pipe sends and receives lifecycle signals.
type Pipe struct {
	in  *bufio.Scanner
	μ   sync.Mutex
	out io.Writer
	c   io.Closer
}

// NewPipe returns a Pipe that receives signals from r and sends them to w.
// If w implements io.Closer, Close closes it.
func NewPipe(r io.Reader, w io.Writer) *Pipe {
	p := &Pipe{in: bufio.NewScanner(r), out: w}
	if c, ok := w.(io.Closer); ok {
		p.c = c
	}
	return p
}

// Send sends s to the pipe.
func (p *Pipe) Send(s Signal) error {
	if err := s.check(); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	p.μ.Lock()
	defer p.μ.Unlock()
	_, err = p.out.Write(append(data, '\n'))
	return err
}

// Recv receives the next signal from the pipe. Blank lines are skipped.
// Recv reports io.EOF when the input is exhausted.
func (p *Pipe) Recv() (Signal, error) {
	for p.in.Scan() {
		line := p.in.Bytes()
		if len(line) == 0 {
			continue
		}
		var s Signal
		if err := json.Unmarshal(line, &s); err != nil {
			return Signal{}, fmt.Errorf("invalid signal: %w", err)
		}
		if err := s.check(); err != nil {
			return Signal{}, err
		}
		return s, nil
	}
	if err := p.in.Err(); err != nil {
		return Signal{}, err
	}
	return Signal{}, io.EOF
}

// Close closes the output of the pipe, if it is closable.
func (p *Pipe) Close() error {
	if p.c == nil {
		return nil
	}
	return p.c.Close()
}

// A Shutdowner performs the stages of an orderly shutdown.
// [hubbub.Hub] implements this interface.
type Shutdowner interface {
	Shutdown(stage int) error
}

// Serve sends a Ready signal on p, then applies each End signal received from
// p to s. After s completes stage 1 or later, Serve sends an Ended signal and
// returns. Serve also returns if ctx ends or p reports an error; if the input
// of p is exhausted before shutdown completes, Serve returns nil without
// stopping s.
func Serve(ctx context.Context, p *Pipe, s Shutdowner) error {
	log := slog.Default().With("subsystem", "lifecycle")
	if err := p.Send(Signal{Kind: Ready}); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	sigs := make(chan Signal)
	done := make(chan struct{})
	defer close(done)
	recv := taskgroup.Go(func() error {
		defer close(sigs)
		for {
			sig, err := p.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			select {
			case sigs <- sig:
			case <-done:
				return nil
			}
		}
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sig, ok := <-sigs:
			if !ok {
				return recv.Wait()
			}
			if sig.Kind != End {
				log.Debug("ignoring signal", "signal", sig)
				continue
			}
			log.Info("shutdown requested", "stage", sig.Stage)
			err := s.Shutdown(sig.Stage)
			if sig.Stage == 0 {
				if err != nil {
					log.Warn("shutdown stage failed", "stage", sig.Stage, "error", err)
				}
				continue
			}
			return multierr.Append(err, p.Send(Signal{Kind: Ended}))
		}
	}
}
