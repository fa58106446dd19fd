package replay

import "time"

// Summary counts the outcome of one sync cycle. Evicted records are also
// counted under Failed.
type Summary struct {
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
	Evicted int `json:"evicted"`
}

// Empty reports whether the cycle touched no records.
func (s Summary) Empty() bool {
	return s.Synced == 0 && s.Failed == 0 && s.Evicted == 0
}

func (s *Summary) add(o Summary) {
	s.Synced += o.Synced
	s.Failed += o.Failed
	s.Evicted += o.Evicted
}

// SkipReason names the precondition that kept a cycle from starting.
type SkipReason string

const (
	SkipNone               SkipReason = ""
	SkipBusy               SkipReason = "busy"
	SkipForegroundActive   SkipReason = "foreground_active"
	SkipNoConfig           SkipReason = "no_config"
	SkipCredentialsExpired SkipReason = "credentials_expired"
	SkipCycleLocked        SkipReason = "cycle_locked"
)

// Result is what RunCycle hands back to its trigger.
type Result struct {
	Summary    Summary    `json:"summary"`
	Skipped    SkipReason `json:"skipped,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Visited    int        `json:"visited"`
}

// Ran reports whether the cycle passed its preconditions.
func (r Result) Ran() bool {
	return r.Skipped == SkipNone
}

// State is the orchestrator lifecycle position.
type State string

const (
	StateIdle        State = "idle"
	StateCheckingPre State = "checking-preconditions"
	StateReplaying   State = "replaying"
)
