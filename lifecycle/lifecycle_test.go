// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package lifecycle_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/creachadair/hubbub/lifecycle"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func TestPipe(t *testing.T) {
	var buf bytes.Buffer
	out := lifecycle.NewPipe(strings.NewReader(""), &buf)
	sigs := []lifecycle.Signal{
		{Kind: lifecycle.Ready},
		{Kind: lifecycle.End, Stage: 0},
		{Kind: lifecycle.End, Stage: 1},
		{Kind: lifecycle.Ended, ID: "main"},
	}
	for _, s := range sigs {
		if err := out.Send(s); err != nil {
			t.Fatalf("Send %v: unexpected error: %v", s, err)
		}
	}
	t.Logf("Encoded:\n%s", buf.String())

	in := lifecycle.NewPipe(strings.NewReader("\n"+buf.String()), io.Discard)
	var got []lifecycle.Signal
	for {
		s, err := in.Recv()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			t.Fatalf("Recv: unexpected error: %v", err)
		}
		got = append(got, s)
	}
	if diff := cmp.Diff(got, sigs); diff != "" {
		t.Errorf("Signals (-got, +want):\n%s", diff)
	}
}

func TestPipeErrors(t *testing.T) {
	p := lifecycle.NewPipe(strings.NewReader("{\"kind\":\"bogus\"}\nnot json\n"), io.Discard)
	if s, err := p.Recv(); err == nil {
		t.Errorf("Recv: got %v, want error", s)
	}
	if s, err := p.Recv(); err == nil {
		t.Errorf("Recv: got %v, want error", s)
	}
	if err := p.Send(lifecycle.Signal{Kind: "start"}); err == nil {
		t.Error("Send unknown kind: got nil, want error")
	}
	if err := p.Send(lifecycle.Signal{Kind: lifecycle.End, Stage: -1}); err == nil {
		t.Error("Send negative stage: got nil, want error")
	}
}

type fakeHub struct {
	μ      sync.Mutex
	stages []int
}

func (f *fakeHub) Shutdown(stage int) error {
	f.μ.Lock()
	defer f.μ.Unlock()
	f.stages = append(f.stages, stage)
	return nil
}

func TestServe(t *testing.T) {
	defer leaktest.Check(t)()

	// The supervisor writes to toHub and reads from fromHub.
	hubIn, toHub := io.Pipe()
	fromHub, hubOut := io.Pipe()
	defer toHub.Close()

	hub := new(fakeHub)
	srv := taskgroup.Go(func() error {
		defer hubOut.Close()
		return lifecycle.Serve(context.Background(), lifecycle.NewPipe(hubIn, hubOut), hub)
	})

	sup := lifecycle.NewPipe(fromHub, toHub)
	expect := func(want lifecycle.Kind) {
		t.Helper()
		s, err := sup.Recv()
		if err != nil {
			t.Fatalf("Recv: unexpected error: %v", err)
		} else if s.Kind != want {
			t.Fatalf("Recv: got %v, want %v", s, want)
		}
	}

	expect(lifecycle.Ready)
	for _, s := range []lifecycle.Signal{
		{Kind: lifecycle.Ready}, // ignored
		{Kind: lifecycle.End, Stage: 0},
		{Kind: lifecycle.End, Stage: 1},
	} {
		if err := sup.Send(s); err != nil {
			t.Fatalf("Send %v: %v", s, err)
		}
	}
	expect(lifecycle.Ended)

	if err := srv.Wait(); err != nil {
		t.Errorf("Serve: unexpected error: %v", err)
	}
	if diff := cmp.Diff(hub.stages, []int{0, 1}); diff != "" {
		t.Errorf("Stages (-got, +want):\n%s", diff)
	}
}

func TestServeEOF(t *testing.T) {
	hub := new(fakeHub)
	var out bytes.Buffer
	err := lifecycle.Serve(context.Background(), lifecycle.NewPipe(strings.NewReader(""), &out), hub)
	if err != nil {
		t.Errorf("Serve: unexpected error: %v", err)
	}
	if got, want := out.String(), "{\"kind\":\"ready\"}\n"; got != want {
		t.Errorf("Output: got %q, want %q", got, want)
	}
	if len(hub.stages) != 0 {
		t.Errorf("Stages: got %v, want none", hub.stages)
	}
}
