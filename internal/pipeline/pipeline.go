package pipeline

import "time"

// Options configures a Pipeline
type Options struct {
	Workers      int
	StageTimeout time.Duration
}

// Pipeline bundles the orchestrator, the retry coordinator and the status
// projector around one store and one run guard.
type Pipeline struct {
	Orchestrator *Orchestrator
	Retry        *RetryCoordinator
	Status       *StatusProjector
}

// New wires a Pipeline from its collaborators
func New(deps Deps, opts Options) *Pipeline {
	guard := NewRunGuard()
	exec := NewExecutor(deps, opts.StageTimeout)
	projector := NewStatusProjector(deps.Store, guard)

	return &Pipeline{
		Orchestrator: NewOrchestrator(deps.Store, exec, guard, opts.Workers),
		Retry:        NewRetryCoordinator(deps.Store, exec, guard, projector),
		Status:       projector,
	}
}

// Close stops background runs and waits for them to finish
func (p *Pipeline) Close() error {
	return p.Orchestrator.Stop()
}
