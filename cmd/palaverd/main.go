package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pvieira/palaver/internal/config"
	"github.com/pvieira/palaver/internal/daemon"
	"github.com/pvieira/palaver/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	forceOpen := flag.Bool("force-open", false, "focus the first conversation that appears")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	scrollback := 0
	open := *forceOpen
	if cfg, err := config.Load(session.ConfigPath()); err == nil {
		scrollback = cfg.ScrollbackLimit
		open = open || cfg.ForceOpen
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName:     sessionName,
			ScrollbackLimit: scrollback,
			ForceOpen:       open,
		}),
	)

	app.Run()
}
