package debug

import (
	"context"
	"sync"

	"github.com/ctagard/rdebug/internal/errors"
)

// pendingStep is an in-flight step waiting for the runtime to pause again
type pendingStep struct {
	name string
	// dispatched is set, under the session lock, once the interaction for the
	// final command is held. Until then the step owns every break prompt.
	dispatched bool

	once sync.Once
	done chan struct{}
	err  error
}

func newPendingStep(name string) *pendingStep {
	return &pendingStep{name: name, done: make(chan struct{})}
}

func (p *pendingStep) resolve(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *pendingStep) cancel() {
	p.resolve(errors.StepCancelled())
}

// StepInto executes one statement, entering called functions
func (s *Session) StepInto(ctx context.Context) error {
	return s.runStep(ctx, "step into", stepIntoCommand)
}

// StepOver executes one statement without entering called functions
func (s *Session) StepOver(ctx context.Context) error {
	return s.runStep(ctx, "step over", stepOverCommand)
}

// StepOut runs until the current function returns
func (s *Session) StepOut(ctx context.Context) error {
	return s.runStep(ctx, "step out", unwindCommand(0), continueCommand)
}

// CancelStep cancels the pending step, if any, and resets breakpoint
// processing. It reports whether a step was pending.
func (s *Session) CancelStep() bool {
	s.mu.Lock()
	step := s.step
	s.step = nil
	s.state = stateNone
	s.hitFrame = nil
	s.generation++
	s.mu.Unlock()

	if step == nil {
		return false
	}
	step.cancel()
	return true
}

// Continue resumes the runtime until the next breakpoint or exit
func (s *Session) Continue(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.checkIdle("continue"); err != nil {
		return err
	}
	return s.sendCommand(ctx, "continue", continueCommand, nil)
}

// checkIdle rejects resuming commands while breakpoint processing is underway
func (s *Session) checkIdle(operation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step != nil {
		return errors.InvalidState(operation, "a step is already pending")
	}
	if s.state != stateNone {
		return errors.InvalidState(operation, "a breakpoint hit is still being processed")
	}
	return nil
}

// runStep sends commands at consecutive break prompts and waits for the
// runtime to pause again. Every command but the last is awaited; the last
// one is fired in the background and the pause it causes resolves the step.
func (s *Session) runStep(ctx context.Context, name string, commands ...string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	step := newPendingStep(name)
	s.mu.Lock()
	if s.step != nil {
		s.mu.Unlock()
		return errors.InvalidState(name, "a step is already pending")
	}
	if s.state != stateNone {
		s.mu.Unlock()
		return errors.InvalidState(name, "a breakpoint hit is still being processed")
	}
	s.step = step
	s.mu.Unlock()

	for _, cmd := range commands[:len(commands)-1] {
		if err := s.sendCommand(ctx, name, cmd, nil); err != nil {
			s.abandonStep(step)
			return err
		}
	}

	last := commands[len(commands)-1]
	go func() {
		if err := s.sendCommand(s.ctx, name, last, step); err != nil {
			s.logger.Warn("failed to send step command", "step", name, "command", last, "error", err)
			s.abandonStep(step)
			step.resolve(err)
		}
	}()

	select {
	case <-step.done:
		return step.err
	case <-ctx.Done():
		s.abandonStep(step)
		step.cancel()
		return ctx.Err()
	}
}

// abandonStep forgets step if it is still the pending one
func (s *Session) abandonStep(step *pendingStep) {
	s.mu.Lock()
	if s.step == step {
		s.step = nil
	}
	s.mu.Unlock()
}

// stepOwnsPrompts reports whether a step is still sending its leading commands
func (s *Session) stepOwnsPrompts() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step != nil && !s.step.dispatched
}

// sendCommand answers the next break prompt with command. When final is set
// the step is marked dispatched before the command goes out.
func (s *Session) sendCommand(ctx context.Context, operation, command string, final *pendingStep) error {
	inter, err := s.transport.BeginInteraction(ctx, false)
	if err != nil {
		return errors.Wrap(errors.CodeTransportFailed, "failed to acquire runtime prompt", "", err)
	}
	defer inter.Close()

	prompt := inter.Prompt()
	if !isBreakMode(prompt.Contexts) {
		return errors.InvalidState(operation, "the runtime is not stopped at a break prompt")
	}

	if final != nil {
		s.mu.Lock()
		if s.step != final {
			s.mu.Unlock()
			return errors.StepCancelled()
		}
		final.dispatched = true
		s.mu.Unlock()
	}

	if err := s.respond(ctx, inter, command); err != nil {
		return errors.Wrap(errors.CodeTransportFailed, "failed to send command to runtime", "", err)
	}
	return nil
}
