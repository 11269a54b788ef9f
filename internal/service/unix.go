//go:build !windows

package service

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"vmservice/internal/logger"
)

// UnixService stops on SIGINT or SIGTERM and reloads on SIGHUP. A second
// stop signal abandons the graceful shutdown.
type UnixService struct {
	canceller
	run  RunFunc
	opts Options
}

// NewService creates the platform service runner.
func NewService(run RunFunc, opts Options) Service {
	return &UnixService{run: run, opts: opts.withDefaults()}
}

func (s *UnixService) Run(ctx context.Context) error {
	log := logger.WithComponent("service")

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	done := start(s.bind(ctx), s.run)
	log.Info().Str("name", s.opts.Name).Bool("managed", s.IsService()).Msg("Service started")

	for {
		select {
		case err := <-done:
			return err
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				log.Info().Msg("Received SIGHUP, reloading")
				if s.opts.OnReload != nil {
					s.opts.OnReload()
				}
				continue
			}
			log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			s.Stop()
			return s.drain(done, sigs)
		}
	}
}

func (s *UnixService) drain(done <-chan error, sigs <-chan os.Signal) error {
	log := logger.WithComponent("service")
	forced := make(chan error, 1)
	go func() {
		forced <- awaitStop(done, s.opts.StopTimeout)
	}()
	for {
		select {
		case err := <-forced:
			if err == ErrStopTimeout {
				log.Warn().Dur("timeout", s.opts.StopTimeout).Msg("Timeout waiting for service to stop")
			}
			return err
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				continue
			}
			log.Warn().Str("signal", sig.String()).Msg("Received second signal, forcing exit")
			return nil
		}
	}
}

// IsService reports whether stdin is not a terminal, as under systemd.
func (s *UnixService) IsService() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice == 0
}
