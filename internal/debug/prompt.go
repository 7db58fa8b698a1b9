package debug

import (
	"context"

	"github.com/ctagard/rdebug/internal/host"
)

// hitState tracks progress through breakpoint hit processing
type hitState int

const (
	stateNone hitState = iota
	// the unwind command was sent, waiting for its prompt to send continue
	stateAwaitingUnwindSetup
	// continue was sent, the next break prompt is the user's frame
	stateAwaitingUnwindContinue
)

func (s hitState) String() string {
	switch s {
	case stateNone:
		return "none"
	case stateAwaitingUnwindSetup:
		return "awaitingUnwindSetup"
	case stateAwaitingUnwindContinue:
		return "awaitingUnwindContinue"
	default:
		return "invalid"
	}
}

// maxOwnPrompts bounds how many self-answered prompt IDs are remembered
const maxOwnPrompts = 32

// isBreakMode reports whether the runtime is stopped in the browser.
// Restart markers are not real frames and are skipped; only the innermost
// remaining context decides.
func isBreakMode(contexts []host.ContextFlags) bool {
	for _, c := range contexts {
		if c.Has(host.ContextRestart) {
			continue
		}
		return c.Has(host.ContextBrowser)
	}
	return false
}

// transition is the outcome of processing one break prompt
type transition struct {
	next hitState
	// command is sent invisibly on the prompt, empty for none
	command string
	// hit replaces the retained hit frame when set
	hit *StackFrame
	// complete ends processing: the step resolves and Paused is raised
	complete      bool
	breakpointHit bool
	// recovered is set when a trampoline was seen without its tracer frame
	recovered bool
}

// nextTransition decides what to do at a break prompt given the current
// state and, in stateNone, the freshly fetched stack
func nextTransition(state hitState, frames []*StackFrame) transition {
	switch state {
	case stateAwaitingUnwindSetup:
		return transition{next: stateAwaitingUnwindContinue, command: continueCommand}
	case stateAwaitingUnwindContinue:
		return transition{next: stateNone, complete: true, breakpointHit: true}
	}

	if len(frames) > 0 && frames[0].Kind == FrameKindTracebackAfterBreakpoint {
		if levels, ok := unwindLevels(frames[0]); ok {
			return transition{
				next:    stateAwaitingUnwindSetup,
				command: unwindCommand(levels),
				hit:     frames[0].detached(),
			}
		}
		return transition{next: stateNone, complete: true, recovered: true}
	}
	return transition{next: stateNone, complete: true}
}

// unwindLevels counts the frames from innermost up to and including the
// nearest tracer frame
func unwindLevels(innermost *StackFrame) (int, bool) {
	hops := 0
	for f := innermost; f != nil; f = f.CallingFrame() {
		if f.Kind == FrameKindDoTrace {
			return hops + 1, true
		}
		hops++
	}
	return 0, false
}

// handlePrompt runs one step of the hit processing state machine
func (s *Session) handlePrompt(ctx context.Context, prompt host.Prompt) {
	if !isBreakMode(prompt.Contexts) {
		s.resetProcessing()
		return
	}
	if s.stepOwnsPrompts() {
		return
	}

	inter, err := s.transport.BeginInteraction(ctx, false)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("failed to acquire interaction", "prompt", prompt.ID, "error", err)
		}
		return
	}
	defer inter.Close()

	if current := inter.Prompt().ID; current != prompt.ID {
		if s.isOwnPrompt(prompt.ID) {
			s.logger.Debug("dropping notification for self-answered prompt", "prompt", prompt.ID, "current", current)
			return
		}
		s.logger.Warn("prompt changed while processing", "prompt", prompt.ID, "current", current)
		s.resetProcessing()
		return
	}
	if s.stepOwnsPrompts() {
		return
	}

	s.mu.Lock()
	state := s.state
	hit := s.hitFrame
	gen := s.generation
	s.mu.Unlock()

	var frames []*StackFrame
	if state == stateNone {
		frames, err = s.fetchFrames(ctx, hit)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("failed to fetch stack frames at break prompt", "prompt", prompt.ID, "error", err)
		}
	}

	t := nextTransition(state, frames)
	if t.recovered {
		s.logger.Warn("breakpoint trampoline without tracer frame, reporting pause in place", "prompt", prompt.ID)
	}

	s.mu.Lock()
	if s.generation != gen {
		// cancelled or reset while the stack was being fetched
		s.mu.Unlock()
		return
	}
	s.state = t.next
	if t.hit != nil {
		s.hitFrame = t.hit
	} else if state == stateNone {
		s.hitFrame = nil
	}
	s.mu.Unlock()

	if t.command != "" {
		s.logger.Debug("breakpoint processing", "prompt", prompt.ID, "state", t.next, "command", t.command)
		if err := s.respond(ctx, inter, t.command); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("failed to send hidden command", "command", t.command, "error", err)
			}
			s.resetProcessing()
		}
		return
	}

	if t.complete {
		s.completeProcessing(t.breakpointHit)
	}
}

// respond answers the interaction's prompt and remembers it as self-answered
func (s *Session) respond(ctx context.Context, inter host.Interaction, line string) error {
	s.markOwnPrompt(inter.Prompt().ID)
	return inter.Respond(ctx, line)
}

func (s *Session) markOwnPrompt(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ownPrompts = append(s.ownPrompts, id)
	if len(s.ownPrompts) > maxOwnPrompts {
		s.ownPrompts = s.ownPrompts[len(s.ownPrompts)-maxOwnPrompts:]
	}
}

func (s *Session) isOwnPrompt(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, own := range s.ownPrompts {
		if own == id {
			return true
		}
	}
	return false
}

// completeProcessing resolves the pending step and raises the pause events
func (s *Session) completeProcessing(breakpointHit bool) {
	s.mu.Lock()
	step := s.step
	if step != nil {
		s.step = nil
	}
	hit := s.hitFrame
	s.mu.Unlock()

	reason := ReasonPause
	switch {
	case breakpointHit:
		reason = ReasonBreakpoint
	case step != nil:
		reason = ReasonStep
	}

	if step != nil {
		step.resolve(nil)
	}
	if breakpointHit {
		var loc Location
		if hit != nil {
			loc, _ = hit.Location()
		}
		s.raise(Event{Kind: EventBreakpointHit, Location: loc})
	}
	s.raise(Event{Kind: EventPaused, Reason: reason})
}

// resetProcessing abandons hit processing and cancels any pending step
func (s *Session) resetProcessing() {
	s.mu.Lock()
	s.state = stateNone
	s.hitFrame = nil
	s.generation++
	step := s.step
	s.step = nil
	s.mu.Unlock()

	if step != nil {
		step.cancel()
	}
}
