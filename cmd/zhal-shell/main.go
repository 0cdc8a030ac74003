// Command zhal-shell is an interactive REPL for issuing ad hoc ZHAL RPCs
// against a running ZigbeeCore daemon, for diagnostics and manual device
// control. It mirrors the supervised services' RPC usage without needing
// one of them running.
//
// Commands:
//
//	call <addr-hex> <key>=<value> [<key>=<value> ...]  - issue an RPC
//	call <key>=<value> ...                             - issue an RPC with no target device
//	events                                              - toggle printing of async events
//	help                                                - show this help
//	quit                                                - exit
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/rdkcentral/zilker-sdk-sub007/internal/zhal"
)

func main() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var staticAddr, mdnsDomain string
	var callTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "zhal-shell",
		Short: "Interactive REPL for issuing ad hoc ZHAL RPCs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd.Context(), staticAddr, mdnsDomain, callTimeout)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&staticAddr, "zhal-addr", "", "static ZigbeeCore host:port; empty selects mDNS discovery")
	flags.StringVar(&mdnsDomain, "zhal-mdns-domain", "local.", "mDNS domain for ZigbeeCore discovery")
	flags.DurationVar(&callTimeout, "timeout", zhal.DefaultCallTimeout, "RPC timeout")

	return cmd
}

type shell struct {
	client     *zhal.Client
	timeout    time.Duration
	showEvents bool
	out        io.Writer
}

func runShell(ctx context.Context, staticAddr, mdnsDomain string, timeout time.Duration) error {
	s := &shell{timeout: timeout, out: os.Stdout}

	client := zhal.NewClient(zhal.Config{
		StaticAddr:   staticAddr,
		MDNSDomain:   mdnsDomain,
		EventHandler: zhal.EventHandlerFunc(s.handleEvent),
	})
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("zhal-shell: start client: %w", err)
	}
	defer client.Close()
	s.client = client

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "zhal> ",
		HistoryFile:     historyFilePath(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("zhal-shell: init readline: %w", err)
	}
	defer rl.Close()
	s.out = rl.Stdout()

	s.printHelp()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		switch strings.ToLower(fields[0]) {
		case "help", "?":
			s.printHelp()
		case "quit", "exit", "q":
			return nil
		case "events":
			s.showEvents = !s.showEvents
			fmt.Fprintf(s.out, "event printing: %v\n", s.showEvents)
		case "call":
			s.cmdCall(ctx, fields[1:])
		default:
			fmt.Fprintf(s.out, "unknown command: %s (type 'help' for commands)\n", fields[0])
		}
	}
}

func (s *shell) cmdCall(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(s.out, "usage: call [<addr-hex>] <key>=<value> [<key>=<value> ...]")
		return
	}

	var target uint64
	rest := args
	if !strings.Contains(args[0], "=") {
		addr, err := strconv.ParseUint(args[0], 16, 64)
		if err != nil {
			fmt.Fprintf(s.out, "invalid address %q: %v\n", args[0], err)
			return
		}
		target = addr
		rest = args[1:]
	}

	fields := make(map[string]any, len(rest))
	for _, kv := range rest {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			fmt.Fprintf(s.out, "skipping malformed field %q (want key=value)\n", kv)
			continue
		}
		fields[k] = coerce(v)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Call(callCtx, target, fields, s.timeout)
	if err != nil {
		fmt.Fprintf(s.out, "call failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "result: %s\n", resp.ResultCode)
	for k, v := range resp.Fields {
		fmt.Fprintf(s.out, "  %s = %v\n", k, v)
	}
}

func (s *shell) handleEvent(ev zhal.Event) {
	if !s.showEvents {
		return
	}
	fmt.Fprintf(s.out, "\n[event] %s %v\n", ev.Type, ev.Fields)
}

func (s *shell) printHelp() {
	fmt.Fprint(s.out, `
zhal-shell commands:
  call [<addr-hex>] <key>=<value> ...  - issue an RPC
  events                               - toggle async event printing
  help                                 - show this help
  quit                                 - exit

`)
}

func coerce(v string) any {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}

func historyFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.zhal-shell_history"
}
