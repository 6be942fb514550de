package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/basket/clawmon/internal/config"
	"github.com/basket/clawmon/internal/injector"
)

func runInjectCommand(args []string) int {
	fs := flag.NewFlagSet("inject", flag.ContinueOnError)
	remove := fs.Bool("remove", false, "remove previously injected hooks instead of adding them")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: clawmon inject [--remove]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if len(cfg.Agents) == 0 {
		fmt.Fprintf(os.Stderr, "no agents configured in %s\n", config.ConfigPath(cfg.HomeDir))
		return 1
	}

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve executable: %v\n", err)
		return 1
	}
	port := "7777"
	if _, p, err := net.SplitHostPort(cfg.BindAddr); err == nil && p != "" {
		port = p
	}

	home, _ := os.UserHomeDir()
	injCfg := injector.Config{
		ForwardCommand:   exe + " forward",
		Port:             port,
		DefaultConfigDir: filepath.Join(home, ".claude"),
	}

	var results []injector.Result
	if *remove {
		results, err = injector.Remove(injCfg, cfg.Agents)
	} else {
		results, err = injector.Inject(injCfg, cfg.Agents)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "inject: %v\n", err)
		return 1
	}

	changed := 0
	for _, res := range results {
		switch {
		case res.Skipped:
			fmt.Printf("[%s] SKIP %s: %s\n", res.AgentID, res.Path, res.Reason)
		case res.Changed:
			changed++
			fmt.Printf("[%s] updated %s\n", res.AgentID, res.Path)
		default:
			fmt.Printf("[%s] no changes needed (%s)\n", res.AgentID, res.Path)
		}
	}
	fmt.Printf("Done. %d file(s) modified.\n", changed)
	if changed > 0 && !*remove {
		fmt.Println("Note: restart agent sessions for hooks to take effect.")
	}
	return 0
}
