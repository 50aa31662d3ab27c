package retry

import "time"

// Phase is the state of a Ladder.
type Phase int

// Ladder phases.
const (
	PhaseHealthy Phase = iota
	PhaseSickly
	PhaseExhausted
)

func (p Phase) String() string {
	switch p {
	case PhaseHealthy:
		return "healthy"
	case PhaseSickly:
		return "sickly"
	default:
		return "exhausted"
	}
}

// Ladder is the two-phase retry state machine for one subscriber:
// Healthy -> Sickly (only when a sickly policy is set) -> Exhausted.
//
// Ladder is not safe for concurrent use; each delivery task owns one.
type Ladder struct {
	healthy Policy
	sickly  *Policy

	phase   Phase
	attempt int // attempts started within the current phase
	total   int
}

// NewLadder creates a ladder starting in the healthy phase.
func NewLadder(healthy Policy, sickly *Policy) *Ladder {
	return &Ladder{healthy: healthy, sickly: sickly}
}

// Next advances to the next attempt and returns the delay to wait before
// making it. ok is false once every phase is used up; the ladder is then
// in PhaseExhausted.
func (l *Ladder) Next() (delay time.Duration, ok bool) {
	for l.phase != PhaseExhausted {
		policy := l.current()
		if l.attempt < policy.Attempts() {
			l.attempt++
			l.total++
			return policy.DelayBefore(l.attempt), true
		}
		l.advance()
	}
	return 0, false
}

// EnterSickly skips the rest of the healthy phase. It has no effect when no
// sickly policy is configured or the ladder already left the healthy phase.
func (l *Ladder) EnterSickly() bool {
	if l.phase != PhaseHealthy || l.sickly == nil {
		return false
	}
	l.phase = PhaseSickly
	l.attempt = 0
	return true
}

// Phase returns the current phase.
func (l *Ladder) Phase() Phase {
	return l.phase
}

// Attempt returns the 1-indexed attempt number within the current phase.
func (l *Ladder) Attempt() int {
	return l.attempt
}

// Total returns the number of attempts started across all phases.
func (l *Ladder) Total() int {
	return l.total
}

func (l *Ladder) current() Policy {
	if l.phase == PhaseSickly {
		return *l.sickly
	}
	return l.healthy
}

func (l *Ladder) advance() {
	l.attempt = 0
	if l.phase == PhaseHealthy && l.sickly != nil {
		l.phase = PhaseSickly
		return
	}
	l.phase = PhaseExhausted
}
