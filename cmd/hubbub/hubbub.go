// Program hubbub is a command-line utility for running and interacting with
// hubbub networks.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/hubbub"
	"github.com/creachadair/hubbub/channel"
	"github.com/creachadair/hubbub/lifecycle"
	"github.com/creachadair/hubbub/message"
	"github.com/creachadair/hubbub/peers"
	"github.com/creachadair/taskgroup"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var globalFlags struct {
	Verbose bool `flag:"v,Enable verbose logging"`
}

var hubFlags struct {
	Root string `flag:"root,default=hub,Root topic of the hub"`
	TCP  int    `flag:"tcp,Stream transport port (0 picks a free port)"`
	HTTP int    `flag:"http,HTTP and WebSocket port (0 picks a free port)"`
	IPC  bool   `flag:"ipc,Exchange lifecycle signals on stdin and stdout"`
}

var nodeFlags struct {
	Hub     int           `flag:"hub,default=7070,Stream transport port of the hub"`
	HubRoot string        `flag:"hub-root,default=hub,Root topic of the hub"`
	As      string        `flag:"as,Root topic of this client (default cli/<pid>)"`
	Timeout time.Duration `flag:"timeout,default=30s,Request timeout"`
}

var subFlags struct {
	Count int `flag:"n,Exit after this many events (0 means no limit)"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Utilities for running and interacting with hubbub networks.",
		SetFlags: command.Flags(flax.MustBind, &globalFlags),
		Init: func(env *command.Env) error {
			level := slog.LevelInfo
			if globalFlags.Verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
		Commands: []*command.C{
			{
				Name:     "hub",
				Help:     "Run a hub serving the stream transport and WebSocket clients.",
				SetFlags: command.Flags(flax.MustBind, &hubFlags),
				Run:      command.Adapt(runHub),
			},
			{
				Name:     "call",
				Usage:    "<root> <command> [param...]",
				Help:     "Send a request to the node with the given root topic.\nEach param is parsed as JSON, or else sent as a string.",
				SetFlags: command.Flags(flax.MustBind, &nodeFlags),
				Run:      runCall,
			},
			{
				Name:     "pub",
				Usage:    "<topic> [payload]",
				Help:     "Publish an event. The payload is parsed as JSON, or else sent as a string.",
				SetFlags: command.Flags(flax.MustBind, &nodeFlags),
				Run:      command.Adapt(runPub),
			},
			{
				Name:     "sub",
				Usage:    "<pattern>",
				Help:     "Subscribe to a topic pattern and print events as they arrive.",
				SetFlags: command.Flags(flax.MustBind, &nodeFlags, &subFlags),
				Run:      command.Adapt(runSub),
			},
			{
				Name:     "ping",
				Usage:    "<root>",
				Help:     "Ping the node with the given root topic.",
				SetFlags: command.Flags(flax.MustBind, &nodeFlags),
				Run:      command.Adapt(runPing),
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runHub(env *command.Env) error {
	ports, err := hubbub.Ports{HTTP: hubFlags.HTTP, HubTCP: hubFlags.TCP}.Allocate()
	if err != nil {
		return fmt.Errorf("allocate ports: %w", err)
	}
	ports.ServiceTCP = ports.HubTCP

	hub, err := hubbub.NewHub(hubFlags.Root, ports)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	lst, err := net.Listen("tcp", ports.HubAddr())
	if err != nil {
		hub.Stop()
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", peers.WebSocketHandler(hub.ServeRoot, nil))
	mux.Handle("/metrics", promhttp.HandlerFor(hub.Metrics(), promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:        net.JoinHostPort("localhost", strconv.Itoa(ports.HTTP)),
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g := taskgroup.New(nil)
	g.Go(func() error { return peers.Loop(ctx, peers.NetAccepter(lst), hub.Serve) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			cancel()
			return err
		}
		return nil
	})
	slog.Info("hub is listening", "root", hub.Root(), "tcp", ports.HubTCP, "http", ports.HTTP)

	if hubFlags.IPC {
		// The supervisor drives shutdown; ended is reported after stage 1.
		err := lifecycle.Serve(ctx, lifecycle.NewPipe(os.Stdin, os.Stdout), hub)
		if err != nil && ctx.Err() == nil {
			slog.Warn("lifecycle", "error", err)
		}
		cancel()
	} else {
		<-ctx.Done()
		if err := hub.Shutdown(0); err != nil {
			slog.Warn("shutdown stage 0", "error", err)
		}
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	srv.Shutdown(sctx)
	herr := hub.Stop()
	if err := g.Wait(); err != nil {
		return err
	}
	return herr
}

// connect starts a client node connected to the hub named by the flags.
func connect(ctx context.Context) (*hubbub.Node, error) {
	as := nodeFlags.As
	if as == "" {
		as = fmt.Sprintf("cli/%d", os.Getpid())
	}
	ports := hubbub.Ports{HubTCP: nodeFlags.Hub}
	n, err := hubbub.NewNode(as, ports)
	if err != nil {
		return nil, err
	}
	ch, err := channel.DialStream(ctx, ports.HubAddr())
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}
	if err := n.SetTimeout(nodeFlags.Timeout).Start(ch); err != nil {
		return nil, err
	}
	return n, nil
}

// parseValue parses s as a JSON value, or returns it as a string.
func parseValue(s string) any {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}

func runCall(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("missing root topic and command")
	}
	ctx, cancel := signalContext()
	defer cancel()

	n, err := connect(ctx)
	if err != nil {
		return err
	}
	defer n.Stop()

	params := make([]any, len(env.Args)-2)
	for i, arg := range env.Args[2:] {
		params[i] = parseValue(arg)
	}
	res, err := n.Request(ctx, env.Args[0], env.Args[1], params...)
	if err != nil {
		return err
	}
	fmt.Println(string(res))
	return nil
}

func runPub(env *command.Env, topic string, payload ...string) error {
	if len(payload) > 1 {
		return env.Usagef("extra arguments after payload")
	}
	ctx, cancel := signalContext()
	defer cancel()

	n, err := connect(ctx)
	if err != nil {
		return err
	}
	defer n.Stop()

	var v any
	if len(payload) != 0 {
		v = parseValue(payload[0])
	}
	if err := n.Publish(topic, v); err != nil {
		return err
	}

	// Make sure the hub has handled the event before disconnecting.
	_, err = n.Ping(ctx, nodeFlags.HubRoot)
	return err
}

func runSub(env *command.Env, pattern string) error {
	ctx, cancel := signalContext()
	defer cancel()

	n, err := connect(ctx)
	if err != nil {
		return err
	}
	defer n.Stop()

	events := make(chan *message.Event, 16)
	if _, err := n.Subscribe(pattern, func(ev *message.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}); err != nil {
		return err
	}
	exited := make(chan error, 1)
	n.OnExit(func(err error) { exited <- err })

	for count := 0; subFlags.Count == 0 || count < subFlags.Count; count++ {
		select {
		case <-ctx.Done():
			return nil
		case err := <-exited:
			return err
		case ev := <-events:
			if ev.Err != nil {
				fmt.Printf("%s\t%s\terr=%s\n", ev.Topic, ev.Payload, ev.Err)
			} else {
				fmt.Printf("%s\t%s\n", ev.Topic, ev.Payload)
			}
		}
	}
	return nil
}

func runPing(env *command.Env, root string) error {
	ctx, cancel := signalContext()
	defer cancel()

	n, err := connect(ctx)
	if err != nil {
		return err
	}
	defer n.Stop()

	pong, err := n.Ping(ctx, root)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%v)\n", pong.Reply, pong.Elapsed.Round(time.Microsecond))
	return nil
}
