package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/astromechza/push-toggles/pkg/client"
	"github.com/astromechza/push-toggles/pkg/feed"
	"github.com/astromechza/push-toggles/pkg/toggles"
)

const usage = `usage: client [--addr URL] <command>

commands:
  state               print every toggle
  toggle NAME         flip a toggle and notify subscribers
  set NAME true|false set a toggle without notifying subscribers
  subscribers         print the number of push subscriptions
  test-push           send a test notification to every subscriber
  watch               stream toggle changes until interrupted
`

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	flags := pflag.NewFlagSet("client", pflag.ContinueOnError)
	addrVar := flags.String("addr", "http://127.0.0.1:5000", "the server to talk to")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	args := flags.Args()
	if len(args) == 0 {
		flags.Usage()
		return fmt.Errorf("expected a command")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	c := client.New(*addrVar)

	switch cmd, rest := args[0], args[1:]; cmd {
	case "state":
		state, err := c.State(ctx)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(state))
		for name := range state {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%s\t%s\n", name, toggles.OnOff(state[name]))
		}
	case "toggle":
		if len(rest) != 1 {
			return fmt.Errorf("toggle expects one argument: the toggle name")
		}
		value, err := c.Toggle(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", rest[0], toggles.OnOff(value))
	case "set":
		if len(rest) != 2 {
			return fmt.Errorf("set expects two arguments: the toggle name and a boolean")
		}
		want, err := strconv.ParseBool(rest[1])
		if err != nil {
			return fmt.Errorf("failed to parse value: %w", err)
		}
		value, err := c.Set(ctx, rest[0], want)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", rest[0], toggles.OnOff(value))
	case "subscribers":
		n, err := c.Subscribers(ctx)
		if err != nil {
			return err
		}
		fmt.Println(n)
	case "test-push":
		n, err := c.TestPush(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("sent to %d subscribers\n", n)
	case "watch":
		return c.Watch(ctx, func(ev feed.Event) {
			switch ev.Type {
			case feed.TypeState:
				slog.Info("state", "toggles", ev.State)
			case feed.TypeChange:
				slog.Info("changed", "name", ev.Name, "value", toggles.OnOff(ev.Value))
			}
		})
	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}
