// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/creachadair/hubbub"
	"github.com/creachadair/hubbub/handler"
	"github.com/creachadair/hubbub/message"
	"github.com/creachadair/hubbub/peers"
	"github.com/creachadair/mds/mtest"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func TestHandler(t *testing.T) {
	defer leaktest.Check(t)()
	loc, err := peers.NewLocal("hub", "svc/a", "svc/b")
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	defer loc.Stop()
	a, b := loc.Node("svc/a"), loc.Node("svc/b")

	check := func(t *testing.T, want any, etext string, h hubbub.Handler, params ...any) {
		t.Helper()
		a.Handle("test", h)
		res, err := b.Request(t.Context(), "svc/a", "test", params...)
		if err != nil {
			if got := err.Error(); etext == "" || !strings.HasPrefix(got, etext) {
				t.Fatalf("Request: got error %v, want %q", err, etext)
			}
			return
		} else if etext != "" {
			t.Fatalf("Request: got %s, want error %q", res, etext)
		}
		if want == nil {
			if len(res) != 0 && string(res) != "null" {
				t.Errorf("Request result: got %s, want empty", res)
			}
			return
		}
		wantJSON, err := json.Marshal(want)
		if err != nil {
			t.Fatalf("Marshal %v: %v", want, err)
		}
		if got := string(res); got != string(wantJSON) {
			t.Errorf("Request result: got %s, want %s", got, wantJSON)
		}
	}
	checkReq := func(t *testing.T, ctx context.Context) {
		t.Helper()
		req := handler.ContextRequest(ctx)
		if req == nil {
			t.Error("Context does not contain request")
		} else if req.Source != "svc/b" {
			t.Errorf("Request source: got %q, want svc/b", req.Source)
		}
	}

	t.Run("PRE", func(t *testing.T) {
		t.Run("StringString", func(t *testing.T) {
			check(t, "input-ok", "", handler.ParamResultError(
				func(ctx context.Context, s string) (string, error) {
					checkReq(t, ctx)
					return s + "-ok", nil
				},
			), "input")
		})
		t.Run("StructInt", func(t *testing.T) {
			check(t, 7, "", handler.ParamResultError(
				func(ctx context.Context, p point) (int, error) {
					checkReq(t, ctx)
					return p.X + p.Y, nil
				},
			), point{X: 3, Y: 4})
		})
		t.Run("MultiParam", func(t *testing.T) {
			check(t, "a-b-c", "", handler.ParamResultError(
				func(ctx context.Context, ss []string) (string, error) {
					checkReq(t, ctx)
					return strings.Join(ss, "-"), nil
				},
			), "a", "b", "c")
		})
		t.Run("Error", func(t *testing.T) {
			check(t, nil, "remote command failed: bad robot", handler.ParamResultError(
				func(ctx context.Context, s string) (string, error) {
					checkReq(t, ctx)
					return "", errors.New("bad robot")
				},
			), "input")
		})
		t.Run("BadParam", func(t *testing.T) {
			check(t, nil, "remote command failed: invalid parameter:",
				handler.ParamResultError(func(ctx context.Context, v int) (int, error) {
					t.Error("Handler should not have been called")
					return v, nil
				}), "input")
		})
	})

	t.Run("PR", func(t *testing.T) {
		check(t, "input-ok", "", handler.ParamResult(
			func(ctx context.Context, s string) string { checkReq(t, ctx); return s + "-ok" },
		), "input")
	})

	t.Run("PE", func(t *testing.T) {
		t.Run("Plain", func(t *testing.T) {
			check(t, nil, "remote command failed: ok", handler.ParamError(
				func(ctx context.Context, s string) error { checkReq(t, ctx); return errors.New("ok") },
			), "input")
		})
		t.Run("Code", func(t *testing.T) {
			check(t, nil, "remote command failed: [code 100] ok", handler.ParamError(
				func(ctx context.Context, s string) error {
					checkReq(t, ctx)
					return message.ErrorData{Code: 100, Message: "ok"}
				},
			), "input")
		})
		t.Run("Success", func(t *testing.T) {
			check(t, nil, "", handler.ParamError(
				func(ctx context.Context, s string) error { checkReq(t, ctx); return nil },
			), "input")
		})
	})

	t.Run("RE", func(t *testing.T) {
		check(t, "please", "", handler.ResultError(
			func(ctx context.Context) (string, error) {
				checkReq(t, ctx)
				return "please", nil
			},
		))
	})

	t.Run("RO", func(t *testing.T) {
		check(t, []int{1, 2, 3}, "", handler.ResultOnly(
			func(ctx context.Context) []int { checkReq(t, ctx); return []int{1, 2, 3} },
		))
	})

	t.Run("Reflect", func(t *testing.T) {
		t.Run("Args", func(t *testing.T) {
			check(t, "x=3 y=4", "", handler.MustReflect(
				func(ctx context.Context, label string, p point) string {
					checkReq(t, ctx)
					return label + "=" + itoa(p.X) + " y=" + itoa(p.Y)
				},
			), "x", point{X: 3, Y: 4})
		})
		t.Run("NoContext", func(t *testing.T) {
			check(t, 5, "", handler.MustReflect(func(a, b int) int { return a + b }), 2, 3)
		})
		t.Run("MissingParams", func(t *testing.T) {
			check(t, 2, "", handler.MustReflect(func(a, b int) int { return a + b }), 2)
		})
		t.Run("TooManyParams", func(t *testing.T) {
			check(t, nil, "remote command failed: got 3 parameters, want at most 2",
				handler.MustReflect(func(a, b int) int { return a + b }), 1, 2, 3)
		})
		t.Run("ErrorOnly", func(t *testing.T) {
			check(t, nil, "remote command failed: nope",
				handler.MustReflect(func() error { return errors.New("nope") }))
		})
		t.Run("ResultError", func(t *testing.T) {
			check(t, "fine", "", handler.MustReflect(func(s string) (string, error) { return s, nil }), "fine")
		})
	})
}

func itoa(z int) string {
	data, _ := json.Marshal(z)
	return string(data)
}

func TestReflectInvalid(t *testing.T) {
	tests := []struct {
		name string
		fn   any
	}{
		{"Nil", nil},
		{"NilFunc", (func())(nil)},
		{"NotFunc", "ping"},
		{"Variadic", func(...int) {}},
		{"BadSecondResult", func() (int, int) { return 0, 0 }},
		{"TooManyResults", func() (int, int, error) { return 0, 0, nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, err := handler.Reflect(tc.fn)
			if err == nil {
				t.Errorf("Reflect(%T): got %p, want error", tc.fn, h)
			}
		})
	}
	mtest.MustPanic(t, func() { handler.MustReflect(42) })
}

func TestReflectLocal(t *testing.T) {
	n, err := hubbub.NewNode("svc/local", hubbub.Ports{})
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	n.Handle("sum", handler.MustReflect(func(ctx context.Context, xs []int) int {
		if handler.ContextRequest(ctx) == nil {
			t.Error("Context does not contain request")
		}
		var sum int
		for _, x := range xs {
			sum += x
		}
		return sum
	}))
	res, err := n.Exec(t.Context(), "sum", []int{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Exec: unexpected error: %v", err)
	}
	var got int
	if err := json.Unmarshal(res, &got); err != nil {
		t.Fatalf("Decode result: %v", err)
	}
	if diff := cmp.Diff(got, 10); diff != "" {
		t.Errorf("Result (-got, +want):\n%s", diff)
	}
}
