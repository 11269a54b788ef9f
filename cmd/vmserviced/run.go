package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"vmservice/internal/assets"
	"vmservice/internal/config"
	"vmservice/internal/directory"
	"vmservice/internal/journal"
	"vmservice/internal/logger"
	"vmservice/internal/portmap"
	"vmservice/internal/service"
	"vmservice/internal/serviceisolate"
	"vmservice/internal/vm"
)

const startupErrorLogDir = "log/vmservice"

func newRunCommand(flags *rootFlags) *cobra.Command {
	var demoIsolates int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground or under the service manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), flags, demoIsolates)
		},
	}
	cmd.Flags().IntVar(&demoIsolates, "demo-isolates", 0, "Spawn this many idle user isolates after startup")
	return cmd
}

// startupFailure reports err through every channel that works before the
// logger is configured.
func startupFailure(err error) error {
	service.ReportStartupError(serviceName, err)
	if _, ferr := service.WriteStartupErrorFile(startupErrorLogDir, err); ferr != nil {
		fmt.Fprintf(os.Stderr, "Failed to write startup error file: %v\n", ferr)
	}
	return err
}

func runDaemon(ctx context.Context, flags *rootFlags, demoIsolates int) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// An absolute config path means the service manager started us with an
	// arbitrary working directory; the base is three levels above the file.
	if filepath.IsAbs(flags.configPath) {
		base := filepath.Dir(filepath.Dir(filepath.Dir(flags.configPath)))
		if err := os.Chdir(base); err != nil {
			return startupFailure(fmt.Errorf("failed to chdir to %s: %w", base, err))
		}
	}

	probe := service.NewService(nil, service.Options{Name: serviceName})
	if probe.IsService() {
		logger.SetServiceMode(true)
	}

	cfg, lc, err := config.LoadSplit(flags.configPath, flags.loggingPath)
	if err != nil {
		return startupFailure(err)
	}
	if err := logger.Init(*lc); err != nil {
		return startupFailure(fmt.Errorf("failed to initialize logger: %w", err))
	}
	defer logger.Close()

	log := logger.WithComponent("main")
	log.Info().
		Str("version", version).
		Str("config", flags.configPath).
		Str("logging", flags.loggingPath).
		Msg("Starting vmserviced")

	var reloadMu sync.Mutex
	reload := func(next *logger.Config) {
		reloadMu.Lock()
		defer reloadMu.Unlock()
		if err := logger.Init(*next); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to update logging configuration: %v\n", err)
			return
		}
		log := logger.WithComponent("main")
		log.Info().Str("level", next.Level).Msg("Logging configuration updated")
	}

	watcher, err := config.NewLoggingWatcher(flags.loggingPath, reload)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create logging watcher, hot reload disabled")
	} else if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start logging watcher")
	} else {
		defer func() {
			if err := watcher.Stop(); err != nil {
				log.Error().Err(err).Msg("Error stopping logging watcher")
			}
		}()
	}

	svc := service.NewService(func(ctx context.Context) error {
		d, err := newDaemon(cfg)
		if err != nil {
			return err
		}
		return d.run(ctx, demoIsolates)
	}, service.Options{
		Name: serviceName,
		OnReload: func() {
			lc, err := config.LoadLogging(flags.loggingPath)
			if err != nil {
				log := logger.WithComponent("main")
				log.Error().Err(err).Msg("Failed to reload logging configuration")
				return
			}
			reload(lc)
		},
	})

	// Init may have replaced the writers while running.
	runErr := svc.Run(ctx)
	log = logger.WithComponent("main")
	if runErr != nil {
		log.Error().Err(runErr).Msg("Service exited with error")
		return runErr
	}
	log.Info().Msg("vmserviced stopped")
	return nil
}

// daemon wires the runtime, the coordinator and the observers.
type daemon struct {
	cfg         *config.Config
	host        string
	ports       *portmap.Map
	runtime     *vm.Runtime
	recorder    *journal.Recorder
	publisher   *directory.Publisher
	coordinator *serviceisolate.Coordinator
}

func newDaemon(cfg *config.Config) (*daemon, error) {
	log := logger.WithComponent("main")
	host := config.GetHostname(cfg)

	sink, err := journal.NewSink(cfg.Journal, cfg.SOCKSProxy)
	if err != nil {
		return nil, fmt.Errorf("failed to create journal: %w", err)
	}

	d := &daemon{
		cfg:      cfg,
		host:     host,
		ports:    portmap.New(),
		recorder: journal.NewRecorder(sink, host, cfg.Journal.BufferSize),
	}
	observers := []serviceisolate.Observer{d.recorder.Observe}

	if cfg.Directory.Enabled {
		pub, err := directory.NewPublisher(cfg.Directory, cfg.SOCKSProxy, host)
		if err != nil {
			_ = d.recorder.Close(context.Background())
			return nil, fmt.Errorf("failed to create port directory: %w", err)
		}
		d.publisher = pub
		observers = append(observers, pub.Observe)
		log.Info().
			Str("address", cfg.Directory.Address).
			Str("key", cfg.Directory.Key).
			Msg("Port directory enabled")
	}

	d.runtime = vm.NewRuntime(d.ports, vm.Config{
		MaxIsolates:   cfg.Runtime.MaxIsolates,
		InboxCapacity: cfg.Runtime.InboxCapacity,
	})
	d.coordinator = serviceisolate.New(d.runtime, d.ports, assets.Builtin(), serviceisolate.Options{
		ShutdownTimeout:      cfg.Service.ShutdownTimeout,
		InjectServiceLibrary: cfg.Service.InjectServiceLibrary,
		Restartable:          cfg.Service.Restartable,
		Observers:            observers,
	})
	d.runtime.Attach(d.coordinator)

	log.Info().
		Str("hostname", host).
		Str("journal", cfg.Journal.Type).
		Int("max_isolates", cfg.Runtime.MaxIsolates).
		Msg("Daemon initialized")
	return d, nil
}

// run starts the service isolate, blocks until ctx is done and tears
// everything down in reverse order. A failed service isolate start is logged
// and does not stop the daemon.
func (d *daemon) run(ctx context.Context, demoIsolates int) error {
	log := logger.WithComponent("main")
	defer d.close()

	// Without a service isolate the runtime keeps serving user isolates.
	if err := d.coordinator.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Service isolate unavailable, continuing without it")
	} else {
		loadPort, err := d.coordinator.WaitForLoadPortContext(ctx)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("Stopped waiting for the load port")
		case loadPort == portmap.Illegal:
			log.Error().Msg("Service isolate failed to initialize")
		default:
			log.Info().
				Str("service_port", d.coordinator.Port().String()).
				Str("load_port", loadPort.String()).
				Msg("Service isolate running")
		}
	}

	for i := 0; i < demoIsolates; i++ {
		name := "demo-" + strconv.Itoa(i+1)
		if _, err := d.runtime.Spawn(ctx, name, nil, waitForCancel); err != nil {
			log.Warn().Err(err).Str("isolate", name).Msg("Failed to spawn demo isolate")
		}
	}

	<-ctx.Done()
	log.Info().Msg("Received shutdown signal")
	return nil
}

func waitForCancel(iso *vm.Isolate) error {
	<-iso.Context().Done()
	return nil
}

func (d *daemon) close() {
	log := logger.WithComponent("main")

	if err := d.coordinator.Shutdown(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Service isolate shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.runtime.Close(ctx); err != nil {
		log.Error().Err(err).Msg("Error closing runtime")
	}
	if d.publisher != nil {
		if err := d.publisher.Close(ctx); err != nil {
			log.Error().Err(err).Msg("Error closing port directory")
		}
	}
	if err := d.recorder.Close(ctx); err != nil {
		log.Error().Err(err).Msg("Error closing journal")
	}
	log.Info().
		Uint64("journal_written", d.recorder.Written()).
		Uint64("journal_dropped", d.recorder.Dropped()).
		Msg("Daemon stopped")
}
