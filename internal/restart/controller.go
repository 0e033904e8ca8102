// Package restart implements the Restart Controller state machine: it
// translates a restart policy plus observed exit outcomes into "start again
// after D ms" or "terminal", per §4.3.
//
// The backoff schedule itself is grounded on the exponential-backoff idiom
// shared by connection/manager.go (nextBackoff/jitter) and
// gurre-ddb-pitr/writer/writer.go (backoffWait's bit-shift doubling). Unlike
// both of those teacher sources, the schedule here is uncapped (no
// analogue of backoffMax) because the spec's own invariant requires
// delay = base_ms * 2^(n-1) without an upper bound unless max_retries is
// reached.
package restart

import (
	"time"

	"github.com/blockjoy/babel/internal/jobstore"
)

// State is the Restart Controller's own state, distinct from JobState: it
// additionally distinguishes the three terminal flavors named in §4.3.
type State int

const (
	Idle State = iota
	Running
	TerminalSuccess
	TerminalFailure
	TerminalStopped
)

// Decision is the result of feeding an input into the Controller.
type Decision struct {
	State State
	// Delay is populated when the next action is "wait then restart".
	Delay time.Duration
	// Restart is true when the caller should schedule a new attempt after
	// Delay elapses.
	Restart bool
}

// Controller tracks the consecutive-failure counter and up-time bookkeeping
// for a single job's restart policy. Not safe for concurrent use; callers
// serialize access per job (matching the Job Supervisor's per-job lock).
type Controller struct {
	policy jobstore.RestartPolicy

	state State

	// consecutiveFailures is "n" in the spec's delay formula; reset to 0
	// whenever an attempt's up-time crosses TimeoutMS. A new Controller
	// starts at 0.
	consecutiveFailures int

	runningSince time.Time
}

// New returns a Controller for the given policy, starting Idle.
func New(policy jobstore.RestartPolicy) *Controller {
	return &Controller{policy: policy, state: Idle}
}

// Start marks the beginning of an attempt (the first one, or one that a
// Restart decision scheduled): the state becomes Running and up-time is
// measured from now. now is injected for testability.
func (c *Controller) Start(now time.Time) Decision {
	c.state = Running
	c.runningSince = now
	return Decision{State: Running}
}

// Exit feeds an observed process exit (code, and the time it occurred) into
// the machine and returns the resulting Decision.
func (c *Controller) Exit(exitCode int, at time.Time) Decision {
	uptime := at.Sub(c.runningSince)
	if c.policy.Backoff.TimeoutMS > 0 && uptime >= time.Duration(c.policy.Backoff.TimeoutMS)*time.Millisecond {
		c.consecutiveFailures = 0
	}

	if exitCode == 0 {
		return c.exitZero()
	}
	return c.exitNonZero()
}

func (c *Controller) exitZero() Decision {
	if c.policy.Mode != jobstore.RestartAlways {
		c.state = TerminalSuccess
		return Decision{State: TerminalSuccess}
	}
	return c.scheduleRestart()
}

func (c *Controller) exitNonZero() Decision {
	switch c.policy.Mode {
	case jobstore.RestartNever:
		c.state = TerminalFailure
		return Decision{State: TerminalFailure}
	case jobstore.RestartOnFailure, jobstore.RestartAlways:
		if c.retriesExhausted() {
			c.state = TerminalFailure
			return Decision{State: TerminalFailure}
		}
		return c.scheduleRestart()
	default:
		c.state = TerminalFailure
		return Decision{State: TerminalFailure}
	}
}

func (c *Controller) retriesExhausted() bool {
	max := c.policy.Backoff.MaxRetries
	if max <= 0 {
		return false // unbounded
	}
	return c.consecutiveFailures >= max
}

// scheduleRestart increments the consecutive-failure counter, computes the
// n-th delay (base_ms * 2^(n-1)), and reports Running as the next state
// (the caller is responsible for actually restarting after Delay and
// calling Start again).
func (c *Controller) scheduleRestart() Decision {
	c.consecutiveFailures++
	n := c.consecutiveFailures
	delay := time.Duration(c.policy.Backoff.BaseMS) * time.Millisecond * time.Duration(1<<uint(n-1))
	c.state = Running
	return Decision{State: Running, Restart: true, Delay: delay}
}

// Stop transitions Running -> TerminalStopped unconditionally, per §4.3's
// "Running, stop -> Terminal-Stopped" row.
func (c *Controller) Stop() Decision {
	c.state = TerminalStopped
	return Decision{State: TerminalStopped}
}

// CurrentState returns the Controller's current state.
func (c *Controller) CurrentState() State { return c.state }

// ConsecutiveFailures exposes the internal counter, primarily for tests
// asserting the backoff-reset invariant (§8).
func (c *Controller) ConsecutiveFailures() int { return c.consecutiveFailures }
