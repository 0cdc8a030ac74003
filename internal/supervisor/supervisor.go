package supervisor

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"github.com/rdkcentral/zilker-sdk-sub007/pkg/log"
)

// Options configures a Supervisor's one-time construction.
type Options struct {
	Fs  afero.Fs
	Log log.Logger

	ManagerListPath string
	ConfDir         string
	HomeDir         string
	MisbehavingPath string
	AckListenAddr   string          // e.g. "127.0.0.1:0"
	InProcessTasks  map[string]Task // nil selects fork/exec mode

	// MDNSDomain is the domain acked services' ipc ports are advertised
	// under. Empty disables advertisement entirely (no Advertiser is
	// built), since not every deployment runs mDNS.
	MDNSDomain string
}

// Supervisor ties the config loader, lifecycle engine, startup
// coordinator, and ack listener together into the single object
// cmd/zhal-gateway constructs and runs (spec §3.B, §4.B).
type Supervisor struct {
	engine      *Engine
	coordinator *Coordinator
	ackListener *AckListener
	advertiser  *Advertiser
	config      *LoadedConfig
	logger      log.Logger
}

// New loads configuration, builds the lifecycle engine and ack
// listener, and registers every service — but does not start anything.
// Call Run to execute the startup sequence.
func New(opts Options) (*Supervisor, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Log == nil {
		opts.Log = log.NoopLogger{}
	}

	cfg, err := LoadConfig(opts.Fs, LoaderConfig{
		ManagerListPath: opts.ManagerListPath,
		ConfDir:         opts.ConfDir,
		HomeDir:         opts.HomeDir,
	})
	if err != nil {
		// Spec §7 "Supervisor fatal: inability to parse configuration
		// → exit; no default fallback."
		return nil, fmt.Errorf("supervisor: fatal config error: %w", err)
	}

	guard, err := NewMisbehavingGuard(opts.Fs, opts.MisbehavingPath)
	if err != nil {
		return nil, fmt.Errorf("supervisor: fatal misbehaving-guard error: %w", err)
	}

	var spawner Spawner
	if opts.InProcessTasks != nil {
		spawner = NewTaskSpawner(opts.InProcessTasks)
	} else {
		spawner = NewExecSpawner()
	}

	engine := NewEngine(spawner, NewPlatformRebooter(), guard, opts.Fs, opts.MisbehavingPath, opts.Log)
	for _, def := range cfg.Services {
		engine.Register(def)
	}

	var advertiser *Advertiser
	var coordinatorAdvertiser serviceAdvertiser
	if opts.MDNSDomain != "" {
		advertiser = NewAdvertiser(opts.MDNSDomain)
		coordinatorAdvertiser = advertiser
	}

	coordinator := NewCoordinator(engine, opts.Log, coordinatorAdvertiser)

	ackAddr := opts.AckListenAddr
	if ackAddr == "" {
		ackAddr = "127.0.0.1:0"
	}
	ackListener, err := NewAckListener(ackAddr, coordinator.OnAck, opts.Log)
	if err != nil {
		return nil, fmt.Errorf("supervisor: fatal ack listener error: %w", err)
	}

	return &Supervisor{
		engine:      engine,
		coordinator: coordinator,
		ackListener: ackListener,
		advertiser:  advertiser,
		config:      cfg,
		logger:      opts.Log,
	}, nil
}

// AckAddr returns the address services should connect to and send
// their AckMessage on.
func (s *Supervisor) AckAddr() string { return s.ackListener.Addr().String() }

// Run starts the ack listener and runs the startup sequence to
// completion. It returns once INIT_COMPLETE has been broadcast (not
// once every service has necessarily acked, if the ack timer expired
// first).
func (s *Supervisor) Run(ctx context.Context) error {
	go s.ackListener.Serve()
	return s.coordinator.Run(ctx)
}

// Engine exposes the lifecycle engine for direct service/group
// operations (Stop, StopGroup, StopAll, Signal, IsRunning).
func (s *Supervisor) Engine() *Engine { return s.engine }

// Groups returns the group names discovered while loading configuration.
func (s *Supervisor) Groups() map[string][]string { return s.config.Groups }

// Shutdown stops every managed service and closes the ack listener.
func (s *Supervisor) Shutdown(withCore bool) []error {
	errs := s.engine.StopAll(withCore)
	if s.advertiser != nil {
		s.advertiser.Close()
	}
	if err := s.ackListener.Close(); err != nil {
		errs = append(errs, err)
	}
	return errs
}
