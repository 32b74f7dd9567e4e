package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"regexp"
	"slices"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/slice"
	"github.com/danderson/dbusrpc"
	"github.com/danderson/dbusrpc/freedesktop/notifications"
	"github.com/danderson/dbusrpc/freedesktop/powermanagement"
	"github.com/sirupsen/logrus"
)

var globalArgs struct {
	UseSessionBus bool          `flag:"session,Connect to session bus instead of system bus"`
	JSON          bool          `flag:"json,Print results as JSON"`
	Verbose       bool          `flag:"verbose,Log bus traffic to stderr"`
	Timeout       time.Duration `flag:"timeout,default=25s,How long to wait for replies"`
	Rate          float64       `flag:"rate,Maximum calls per second (0 for no limit)"`
}

func busConn(ctx context.Context) (*dbusrpc.Conn, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if globalArgs.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	opts := dbusrpc.ConnOptions{
		ReplyTimeout: globalArgs.Timeout,
		Logger:       logrus.NewEntry(log).WithField("bus", busName()),
		CallRate:     globalArgs.Rate,
	}
	if globalArgs.UseSessionBus {
		return dbusrpc.SessionBus(ctx, opts)
	}
	return dbusrpc.SystemBus(ctx, opts)
}

func busName() string {
	if globalArgs.UseSessionBus {
		return "session"
	}
	return "system"
}

func main() {
	root := &command.C{
		Name:     "dbus",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "call",
				Usage: "call [flags] peer path interface method [args...]",
				Help: `Call a method.

Arguments are strings unless --sig gives their types, in which case
arguments of string-like types are taken verbatim and everything else
is parsed as JSON.

In --mode=async the call is sent and its reply awaited separately. In
--mode=callback the reply is delivered to a callback. Both print the
same results as the default synchronous mode.`,
				SetFlags: command.Flags(flax.MustBind, &callArgs),
				Run:      runCall,
			},
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ping a peer.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:     "names",
				Usage:    "names [regexp]",
				Help:     "List names on the bus, optionally only those matching regexp.",
				SetFlags: command.Flags(flax.MustBind, &namesArgs),
				Run:      runNames,
			},
			{
				Name:  "id",
				Usage: "id",
				Help:  "Print the bus ID.",
				Run:   runID,
			},
			{
				Name:  "whois",
				Usage: "whois peer",
				Help:  "Print a peer's owner and process credentials.",
				Run:   command.Adapt(runWhois),
			},
			{
				Name:  "freedesktop",
				Usage: "freedesktop args...",
				Commands: []*command.C{
					{
						Name:  "notify",
						Usage: "notify summary [body]",
						Help:  "Show a desktop notification. Usually needs --session.",
						Run:   runNotify,
					},
					{
						Name:  "power",
						Usage: "power",
						Help:  "Print the system's sleep capabilities.",
						Run:   runPower,
					},
				},
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

var callArgs struct {
	Sig              string `flag:"sig,Signature of the arguments"`
	Ret              string `flag:"ret,Signature of the single return value"`
	Mode             string `flag:"mode,default=sync,Dispatch mode (sync|async|callback)"`
	NoReply          bool   `flag:"noreply,Tell the peer not to reply"`
	NoAutoStart      bool   `flag:"no-autostart,Don't start the peer if it isn't running"`
	AllowInteraction bool   `flag:"interactive,Allow the peer to prompt for authorization"`
}

func runCall(env *command.Env) error {
	if len(env.Args) < 4 {
		return env.Usagef("call requires a peer, path, interface and method")
	}
	peer, path, ifaceName, method := env.Args[0], dbusrpc.ObjectPath(env.Args[1]), env.Args[2], env.Args[3]
	args, err := parseArgs(callArgs.Sig, env.Args[4:])
	if err != nil {
		return err
	}
	var out reflect.Type
	if callArgs.Ret != "" {
		sig, err := dbusrpc.ParseSignature(callArgs.Ret)
		if err != nil {
			return err
		}
		if !sig.IsSingle() {
			return fmt.Errorf("--ret must be a single complete type, got %q", sig)
		}
		out = sig.Type()
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	obj := conn.Peer(peer).Object(path)
	p, err := obj.Interface(ifaceName).Proxy()
	if err != nil {
		return err
	}
	in := make([]reflect.Type, len(args))
	for i, a := range args {
		in[i] = reflect.TypeOf(a)
	}
	m, err := p.Define(method, in, out, dbusrpc.MethodOptions{NoReply: callArgs.NoReply})
	if err != nil {
		return err
	}

	ctx := dbusrpc.WithCallOptions(env.Context(), dbusrpc.CallOptions{
		NoAutoStart:      callArgs.NoAutoStart,
		AllowInteraction: callArgs.AllowInteraction,
	})
	pr := newPrinter()
	switch callArgs.Mode {
	case "sync":
		if out == nil {
			iface := obj.Interface(ifaceName)
			if callArgs.NoReply {
				return iface.OneWay(ctx, method, args...)
			}
			vs, err := iface.Call(ctx, method, args...)
			if err != nil {
				return err
			}
			return pr.values(vs)
		}
		v, err := p.Invoke(ctx, m, args...)
		if err != nil {
			return err
		}
		return pr.value(v)
	case "async":
		r, err := p.CallAsync(ctx, m, args...)
		if err != nil {
			return err
		}
		if out == nil {
			return printReply(ctx, pr, r)
		}
		v, err := r.Value(ctx)
		if err != nil {
			return err
		}
		return pr.value(v)
	case "callback":
		type result struct {
			v   any
			err error
		}
		done := make(chan result, 1)
		err := p.CallWithCallback(ctx, m, func(v any, err error) {
			done <- result{v, err}
		}, args...)
		if err != nil {
			return err
		}
		select {
		case r := <-done:
			if r.err != nil {
				return r.err
			}
			if out == nil {
				return nil
			}
			return pr.value(r.v)
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		return env.Usagef("unknown mode %q", callArgs.Mode)
	}
}

// printReply waits for r and prints all the values of its reply,
// whatever their types.
func printReply(ctx context.Context, pr *printer, r *dbusrpc.AsyncReply) error {
	reply, err := r.Reply(ctx)
	if err != nil {
		return err
	}
	if reply == nil {
		// Sent with noreply.
		return nil
	}
	vs, err := reply.Values()
	if err != nil {
		return err
	}
	return pr.values(vs)
}

func runPing(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	start := time.Now()
	if err := conn.Peer(peer).Ping(env.Context()); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	fmt.Printf("reply from %s in %v\n", peer, time.Since(start).Round(time.Microsecond))
	return nil
}

var namesArgs struct {
	Activatable bool `flag:"activatable,List activatable names instead of current names"`
	Unique      bool `flag:"unique,Include unique connection names"`
}

func runNames(env *command.Env) error {
	var filter string
	switch len(env.Args) {
	case 0:
	case 1:
		filter = env.Args[0]
	default:
		return env.Usagef("names takes at most one argument")
	}
	f, err := regexp.Compile(filter)
	if err != nil {
		return err
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	list := conn.ListNames
	if namesArgs.Activatable {
		list = conn.ListActivatableNames
	}
	names, err := list(env.Context())
	if err != nil {
		return fmt.Errorf("listing bus names: %w", err)
	}
	names = slices.Collect(slice.Select(names, func(n string) bool {
		if !namesArgs.Unique && len(n) > 0 && n[0] == ':' {
			return false
		}
		return f.MatchString(n)
	}))
	slices.Sort(names)
	if globalArgs.JSON {
		return newPrinter().value(names)
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func runID(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	id, err := conn.GetBusID(env.Context())
	if err != nil {
		return fmt.Errorf("getting bus ID: %w", err)
	}
	fmt.Println(id)
	return nil
}

func runWhois(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx := env.Context()
	owner, err := conn.Peer(peer).Owner(ctx)
	if err != nil {
		return fmt.Errorf("getting owner of %s: %w", peer, err)
	}
	uid, uidErr := conn.GetPeerUID(ctx, peer)
	pid, pidErr := conn.GetPeerPID(ctx, peer)
	if err := errors.Join(uidErr, pidErr); err != nil {
		return fmt.Errorf("getting credentials of %s: %w", peer, err)
	}
	if globalArgs.JSON {
		return newPrinter().value(map[string]any{
			"owner": owner,
			"uid":   uid,
			"pid":   pid,
		})
	}
	out := indenter{w: os.Stdout}
	out.f("%s", peer)
	out.indent(1)
	out.f("Owner: %s", owner)
	out.f("UID: %d", uid)
	out.f("PID: %d", pid)
	return nil
}

func runNotify(env *command.Env) error {
	if len(env.Args) < 1 || len(env.Args) > 2 {
		return env.Usagef("notify takes a summary and an optional body")
	}
	req := notifications.Request{
		AppName: "dbus",
		Summary: env.Args[0],
		Timeout: -1,
	}
	if len(env.Args) == 2 {
		req.Body = env.Args[1]
	}

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	n, err := notifications.New(conn)
	if err != nil {
		return err
	}
	info, err := n.GetServerInformation(env.Context())
	if err != nil {
		return fmt.Errorf("getting notification server: %w", err)
	}
	caps, err := n.ServerCapabilities(env.Context())
	if err != nil {
		return fmt.Errorf("getting notification capabilities: %w", err)
	}
	if !caps.Body {
		req.Body = ""
	}
	id, err := n.Send(env.Context(), req)
	if err != nil {
		return fmt.Errorf("sending notification: %w", err)
	}
	fmt.Printf("notification %d shown by %s %s\n", id, info.Name, info.Version)
	return nil
}

func runPower(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	pm, err := powermanagement.New(conn)
	if err != nil {
		return err
	}
	ctx := env.Context()
	checks := []struct {
		name string
		fn   func(context.Context) (bool, error)
	}{
		{"suspend", pm.CanSuspend},
		{"hibernate", pm.CanHibernate},
		{"hybrid suspend", pm.CanHybridSuspend},
		{"suspend then hibernate", pm.CanSuspendThenHibernate},
		{"save power", pm.ShouldSavePower},
		{"inhibited", pm.HasInhibit},
	}
	results := map[string]bool{}
	for _, c := range checks {
		v, err := c.fn(ctx)
		if err != nil {
			return fmt.Errorf("checking %s: %w", c.name, err)
		}
		results[c.name] = v
	}
	if globalArgs.JSON {
		return newPrinter().value(results)
	}
	for _, c := range checks {
		fmt.Printf("%s: %v\n", c.name, results[c.name])
	}
	return nil
}
