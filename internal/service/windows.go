//go:build windows

package service

import (
	"context"
	"time"

	"golang.org/x/sys/windows/svc"

	"vmservice/internal/logger"
)

// WindowsService runs under the Service Control Manager when started by it,
// and runs RunFunc directly otherwise.
type WindowsService struct {
	canceller
	run  RunFunc
	opts Options
}

// NewService creates the platform service runner.
func NewService(run RunFunc, opts Options) Service {
	return &WindowsService{run: run, opts: opts.withDefaults()}
}

func (s *WindowsService) Run(ctx context.Context) error {
	if !s.IsService() {
		return s.run(s.bind(ctx))
	}
	return svc.Run(s.opts.Name, s)
}

func (s *WindowsService) IsService() bool {
	isService, err := svc.IsWindowsService()
	return err == nil && isService
}

// Execute implements svc.Handler.
func (s *WindowsService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	log := logger.WithComponent("service")

	const accepted = svc.AcceptStop | svc.AcceptShutdown | svc.AcceptParamChange

	changes <- svc.Status{State: svc.StartPending}
	done := start(s.bind(context.Background()), s.run)
	changes <- svc.Status{State: svc.Running, Accepts: accepted}
	log.Info().Str("name", s.opts.Name).Msg("Windows service started")

	for {
		select {
		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus
				time.Sleep(100 * time.Millisecond)
				changes <- c.CurrentStatus
			case svc.ParamChange:
				log.Info().Msg("Received parameter change, reloading")
				if s.opts.OnReload != nil {
					s.opts.OnReload()
				}
			case svc.Stop, svc.Shutdown:
				log.Info().Msg("Received stop request from service control")
				changes <- svc.Status{State: svc.StopPending}
				s.Stop()
				if err := awaitStop(done, s.opts.StopTimeout); err == ErrStopTimeout {
					log.Warn().Dur("timeout", s.opts.StopTimeout).Msg("Timeout waiting for service to stop")
				}
				changes <- svc.Status{State: svc.Stopped}
				return false, 0
			default:
				log.Warn().Int("cmd", int(c.Cmd)).Msg("Unexpected service control command")
			}
		case err := <-done:
			changes <- svc.Status{State: svc.Stopped}
			if err != nil {
				log.Error().Err(err).Msg("Service exited with error")
				return true, 1
			}
			return false, 0
		}
	}
}
