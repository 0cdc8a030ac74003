// Command zhal-gateway is the home-gateway core process: it runs the
// process supervisor that launches and watches the sibling services
// (zigbeeCore and friends) and, optionally, a ZHAL client used to log
// the daemon's out-of-band events for diagnostics.
//
// Usage:
//
//	zhal-gateway [flags]
//
// Configuration is read from a YAML file (--config), overridden by
// environment variables (IC_CONF, IC_HOME, and ZHAL_GATEWAY_* for
// everything else), overridden in turn by flags.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rdkcentral/zilker-sdk-sub007/internal/supervisor"
	"github.com/rdkcentral/zilker-sdk-sub007/internal/supervisor/audit"
	"github.com/rdkcentral/zilker-sdk-sub007/internal/zhal"
	"github.com/rdkcentral/zilker-sdk-sub007/pkg/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "zhal-gateway",
		Short: "Runs the home-gateway process supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to a YAML config file")
	flags.String("manager-list", "/etc/managerList.yaml", "path to the supervisor managerList document")
	flags.String("conf-dir", "/etc", "CONF_DIR substitution value")
	flags.String("home-dir", "", "HOME_DIR substitution value (defaults to the process user's home)")
	flags.String("misbehaving-path", "/var/run/zhal-gateway/misbehaving.json", "path to the persisted misbehaving-service record")
	flags.String("ack-addr", "127.0.0.1:0", "address the ack listener binds to")
	flags.String("service-mdns-domain", "", "mDNS domain to advertise acked services' ipc ports under; empty disables advertisement")
	flags.String("log-level", "info", "debug, info, warn, or error")
	flags.String("log-file", "", "optional path to also append raw CBOR events to")
	flags.String("audit-db", "", "optional path to a SQLite lifecycle audit log (':memory:' allowed)")
	flags.Bool("zhal-monitor", false, "also start a ZHAL client to log the daemon's async events")
	flags.String("zhal-addr", "", "static ZigbeeCore host:port; empty selects mDNS discovery")
	flags.String("zhal-mdns-domain", "local.", "mDNS domain for ZigbeeCore discovery")

	v.BindPFlags(flags)
	v.BindEnv("conf-dir", "IC_CONF")
	v.BindEnv("home-dir", "IC_HOME")
	v.SetEnvPrefix("ZHAL_GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cobra.OnInitialize(func() {
		if path, _ := flags.GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				fmt.Fprintf(os.Stderr, "zhal-gateway: config file error: %v\n", err)
			}
		}
	})

	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	logger, closeLogger, err := buildLogger(v)
	if err != nil {
		return fmt.Errorf("zhal-gateway: %w", err)
	}
	defer closeLogger()

	sup, err := supervisor.New(supervisor.Options{
		Log:             logger,
		ManagerListPath: v.GetString("manager-list"),
		ConfDir:         v.GetString("conf-dir"),
		HomeDir:         v.GetString("home-dir"),
		MisbehavingPath: v.GetString("misbehaving-path"),
		AckListenAddr:   v.GetString("ack-addr"),
		MDNSDomain:      v.GetString("service-mdns-domain"),
	})
	if err != nil {
		return fmt.Errorf("zhal-gateway: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var client *zhal.Client
	if v.GetBool("zhal-monitor") {
		client = zhal.NewClient(zhal.Config{
			StaticAddr: v.GetString("zhal-addr"),
			MDNSDomain: v.GetString("zhal-mdns-domain"),
			Logger:     logger,
			EventHandler: zhal.EventHandlerFunc(func(ev zhal.Event) {
				data, _ := json.Marshal(ev.Fields)
				logger.Log(log.Event{
					Timestamp: time.Now(),
					Direction: log.DirectionIn,
					Layer:     log.LayerTransport,
					Category:  log.CategoryMessage,
					Frame:     &log.FrameEvent{Size: len(data), Data: data},
				})
			}),
		})
		if err := client.Start(runCtx); err != nil {
			return fmt.Errorf("zhal-gateway: start zhal monitor: %w", err)
		}
		defer client.Close()
	}

	if err := sup.Run(runCtx); err != nil {
		return fmt.Errorf("zhal-gateway: startup sequence: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Log(log.Event{
			Timestamp: time.Now(),
			Layer:     log.LayerSupervisor,
			Category:  log.CategoryState,
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntitySupervisor,
				NewState: "SHUTTING_DOWN",
				Reason:   sig.String(),
			},
		})
	case <-runCtx.Done():
	}

	cancel()
	for _, stopErr := range sup.Shutdown(false) {
		fmt.Fprintf(os.Stderr, "zhal-gateway: shutdown error: %v\n", stopErr)
	}
	return nil
}

// buildLogger assembles the MultiLogger stack: zerolog to stderr always,
// plus an optional raw CBOR FileLogger and an optional SQLite audit log.
func buildLogger(v *viper.Viper) (log.Logger, func(), error) {
	level := parseLevel(v.GetString("log-level"))
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	loggers := []log.Logger{log.NewZerologAdapter(zl)}
	closers := []func() error{}

	if path := v.GetString("log-file"); path != "" {
		fl, err := log.NewFileLogger(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		loggers = append(loggers, fl)
		closers = append(closers, fl.Close)
	}

	if path := v.GetString("audit-db"); path != "" {
		al, err := audit.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit db: %w", err)
		}
		loggers = append(loggers, al)
		closers = append(closers, al.Close)
	}

	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}

	if len(loggers) == 1 {
		return loggers[0], closeAll, nil
	}
	return log.NewMultiLogger(loggers...), closeAll, nil
}

func parseLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
