package vm

import (
	"fmt"
	"time"

	"vmservice/internal/assets"
	"vmservice/internal/logger"
	"vmservice/internal/message"
	"vmservice/internal/serviceisolate"
)

// LoaderName is the name of the helper isolate that serves load requests on
// behalf of the service isolate.
const LoaderName = "vm-service-loader"

// serviceProgram is the code the service isolate runs.
type serviceProgram struct {
	rt       *Runtime
	iso      *Isolate
	admin    serviceisolate.Admin
	tags     serviceisolate.TagHandler
	registry *Registry
}

func (p *serviceProgram) run() {
	log := logger.WithComponent("vm-service")

	loader, err := p.start()
	if err != nil {
		log.Error().Err(err).Msg("Service isolate failed to start")
		p.finish(loader)
		return
	}
	log.Info().
		Str("service_port", p.iso.port.String()).
		Str("load_port", loader.port.String()).
		Msg("Service isolate running")

	p.serve()
	p.finish(loader)
}

// start loads the service script, spawns the loader helper and publishes
// both ports. On error the returned loader, if any, still needs stopping.
func (p *serviceProgram) start() (*Isolate, error) {
	if p.tags == nil {
		return nil, fmt.Errorf("service isolate spawned without a tag handler")
	}
	graph, err := Load(p.tags, assets.ServiceScriptURL)
	if err != nil {
		return nil, err
	}
	for _, lib := range graph.Libraries() {
		if err := p.iso.InstallLibrary(lib.URL, lib.Source); err != nil {
			return nil, err
		}
	}

	loader, err := p.rt.spawn(p.iso.ctx, LoaderName, p.iso, serveLoads(p.rt, p.tags))
	if err != nil {
		return nil, fmt.Errorf("failed to spawn loader: %w", err)
	}

	if p.admin == nil {
		return loader, fmt.Errorf("service isolate spawned without admin access")
	}
	if err := p.admin.SetServicePort(p.iso.port); err != nil {
		return loader, fmt.Errorf("failed to publish service port: %w", err)
	}
	if err := p.admin.SetLoadPort(loader.port); err != nil {
		return loader, fmt.Errorf("failed to publish load port: %w", err)
	}
	p.admin.FinishedInitializing()
	return loader, nil
}

// serve handles control messages until the exit message arrives or the
// isolate is terminated.
func (p *serviceProgram) serve() {
	log := logger.WithComponent("vm-service")
	for {
		select {
		case <-p.iso.ctx.Done():
			log.Warn().Msg("Service isolate terminated")
			return
		case raw, ok := <-p.iso.inbox:
			if !ok {
				return
			}
			env, err := message.Decode(raw)
			if err != nil {
				log.Warn().Err(err).Msg("Dropping malformed control message")
				continue
			}
			switch env.Kind {
			case message.KindIsolateStartup:
				p.registry.Add(Entry{Port: portFrom(env.IsolatePort), Name: env.Name, Since: time.Now()})
			case message.KindIsolateShutdown:
				p.registry.Remove(portFrom(env.IsolatePort))
			case message.KindServiceExit:
				log.Info().Msg("Exit message received")
				return
			default:
				log.Debug().Str("kind", env.Kind.String()).Msg("Ignoring message")
			}
		}
	}
}

// finish stops the loader, closes the service port and reports the exit.
func (p *serviceProgram) finish(loader *Isolate) {
	if loader != nil {
		loader.cancel()
		<-loader.done
	}
	p.registry.Clear()
	p.rt.exit(p.iso)
	if p.admin != nil {
		p.admin.FinishedExiting()
	}
}
