package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Action is a step run by the pipeline
type Action func(ctx context.Context) error

// Pipeline runs named build targets together with the pre-actions
// registered against them
type Pipeline struct {
	targets map[string]Action
	pre     map[string][]Action
	logger  *slog.Logger
}

// New creates an empty pipeline
func New(logger *slog.Logger) *Pipeline {
	return &Pipeline{
		targets: make(map[string]Action),
		pre:     make(map[string][]Action),
		logger:  logger,
	}
}

// AddTarget declares a target. Declaring the same name twice replaces it.
func (p *Pipeline) AddTarget(name string, run Action) {
	p.targets[name] = run
}

// AddPreAction registers an action to run right before target. Pre-actions
// run in registration order.
func (p *Pipeline) AddPreAction(target string, action Action) {
	p.pre[target] = append(p.pre[target], action)
}

// Targets returns the declared target names, sorted
func (p *Pipeline) Targets() []string {
	names := make([]string, 0, len(p.targets))
	for name := range p.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes the pre-actions of target and then the target itself. A
// failing pre-action aborts the run.
func (p *Pipeline) Run(ctx context.Context, target string) error {
	run, ok := p.targets[target]
	if !ok {
		return fmt.Errorf("unknown target: %s (known: %s)", target, strings.Join(p.Targets(), ", "))
	}

	for i, action := range p.pre[target] {
		p.logger.Debug("running pre-action", "target", target, "index", i)
		if err := action(ctx); err != nil {
			return fmt.Errorf("pre-action for %s failed: %w", target, err)
		}
	}

	p.logger.Info("running target", "target", target)
	if err := run(ctx); err != nil {
		return fmt.Errorf("target %s failed: %w", target, err)
	}

	return nil
}
