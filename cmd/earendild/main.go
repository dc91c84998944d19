// Command earendild runs one overlay node: a relay if its config names an
// identity_key_path, a client otherwise. It takes no flags beyond a single
// config file path, matching the teacher's minimal entrypoint shape but
// without lncfg's ini-plus-flags parsing, since this daemon has no flag
// library (see package config).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/earendil-go/earendil/config"
	"github.com/earendil-go/earendil/daemon"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "earendild:", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) != 2 {
		return fmt.Errorf("usage: earendild <config.yaml>")
	}

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "earendild: identity %s, relay=%v, addrs=%v\n",
		d.IdentityFingerprint(), cfg.IsRelay(), d.Addrs())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return d.Serve(ctx)
}
