package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/astromechza/push-toggles/pkg/pushtransport"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	flags := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	contactVar := flags.String("contact", "mailto:test@example.com", "the contact URI to put in the config")
	envVar := flags.Bool("env", false, "print environment variables instead of TOML")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	public, private, err := pushtransport.GenerateKeys()
	if err != nil {
		return err
	}
	slog.Info("generated vapid keypair")

	if *envVar {
		fmt.Printf("PUSHTOGGLE_PUSH__PUBLIC_KEY=%s\n", public)
		fmt.Printf("PUSHTOGGLE_PUSH__PRIVATE_KEY=%s\n", private)
		fmt.Printf("PUSHTOGGLE_PUSH__CONTACT=%s\n", *contactVar)
		return nil
	}
	fmt.Println("[push]")
	fmt.Printf("public_key = %q\n", public)
	fmt.Printf("private_key = %q\n", private)
	fmt.Printf("contact = %q\n", *contactVar)
	return nil
}
