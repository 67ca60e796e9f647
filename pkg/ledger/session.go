package ledger

import (
	"strings"
	"time"

	"github.com/codelaboratoryltd/acctd/pkg/acct"
	"github.com/codelaboratoryltd/acctd/pkg/counter"
)

// State is the lifecycle state of a session.
type State string

const (
	StateLive   State = "live"
	StateClosed State = "closed"
)

// Snapshot is a copy of a session's state at one point in its history.
// Snapshots handed out by the ledger are never mutated afterwards.
type Snapshot struct {
	SessionID      string `json:"session_id"`
	Username       string `json:"username"`
	NASID          string `json:"nas_id,omitempty"`
	NASIP          string `json:"nas_ip,omitempty"`
	NASName        string `json:"nas_name,omitempty"`
	FramedIP       string `json:"framed_ip,omitempty"`
	CallingStation string `json:"calling_station,omitempty"`
	APName         string `json:"ap_name,omitempty"`
	GroupID        string `json:"group_id,omitempty"`

	StartTime  time.Time  `json:"start_time"`
	LastUpdate time.Time  `json:"last_update"`
	StopTime   *time.Time `json:"stop_time,omitempty"`

	// LastSeen is the local receive time of the last applied event.
	// LastUpdate is on the NAS clock, so idle detection uses LastSeen.
	LastSeen time.Time `json:"last_seen"`

	Input  counter.Counter `json:"input"`
	Output counter.Counter `json:"output"`

	// SessionTime is the last Acct-Session-Time reported by the NAS.
	SessionTime uint32 `json:"session_time"`

	TerminateCause acct.TerminateCause `json:"terminate_cause,omitempty"`
	State          State               `json:"state"`

	CounterReset       bool `json:"counter_reset,omitempty"`
	StartReconstructed bool `json:"start_reconstructed,omitempty"`

	// Seq counts the mutations applied to this session.
	Seq uint64 `json:"seq"`
}

// Duration is stop minus start for closed sessions and last update minus
// start for live ones.
func (s *Snapshot) Duration() time.Duration {
	end := s.LastUpdate
	if s.StopTime != nil {
		end = *s.StopTime
	}
	if end.Before(s.StartTime) {
		return 0
	}
	return end.Sub(s.StartTime)
}

// DownloadBytes is the traffic sent to the subscriber.
func (s *Snapshot) DownloadBytes() uint64 {
	return s.Output.Bytes()
}

// UploadBytes is the traffic received from the subscriber.
func (s *Snapshot) UploadBytes() uint64 {
	return s.Input.Bytes()
}

// Filter selects live sessions. Empty fields impose no constraint.
type Filter struct {
	// NASID matches either the NAS-Identifier or the NAS IP.
	NASID   string
	APName  string
	GroupID string
	// Username matches case-insensitively as a substring.
	Username string
}

// Match reports whether s satisfies every field of f.
func (f Filter) Match(s *Snapshot) bool {
	if f.NASID != "" && s.NASID != f.NASID && s.NASIP != f.NASID {
		return false
	}
	if f.APName != "" && s.APName != f.APName {
		return false
	}
	if f.GroupID != "" && s.GroupID != f.GroupID {
		return false
	}
	if f.Username != "" && !strings.Contains(strings.ToLower(s.Username), strings.ToLower(f.Username)) {
		return false
	}
	return true
}

// Delta is the traffic and connected time added by one mutation.
type Delta struct {
	Input   uint64
	Output  uint64
	Seconds int64
}

// IsZero reports whether the delta adds nothing.
func (d Delta) IsZero() bool {
	return d.Input == 0 && d.Output == 0 && d.Seconds == 0
}

// Result describes the outcome of applying one event.
type Result struct {
	// Session is the session after the event was applied.
	Session Snapshot

	// Opened is set when the event created the session.
	Opened bool

	// Closed is set when the event closed the session.
	Closed bool

	// Superseded is the prior session closed by a Duplicate-Start.
	Superseded *Snapshot

	// Duplicate is set when the event was a redelivery and changed nothing.
	Duplicate bool

	Delta Delta
}

func newSession(ev *acct.AccountingEvent) *Snapshot {
	s := &Snapshot{
		SessionID:  ev.SessionID,
		StartTime:  ev.Timestamp,
		LastUpdate: ev.Timestamp,
		Input:      counter.New(ev.InputOctets, ev.InputGigawords),
		Output:     counter.New(ev.OutputOctets, ev.OutputGigawords),
		State:      StateLive,
	}
	s.absorb(ev)
	return s
}

// absorb copies descriptive attributes from an event. Attributes the event
// does not carry keep their previous values.
func (s *Snapshot) absorb(ev *acct.AccountingEvent) {
	if ev.Username != "" {
		s.Username = ev.Username
	}
	if ev.NASID != "" {
		s.NASID = ev.NASID
	}
	if ev.NASIP != nil {
		s.NASIP = ev.NASIP.String()
	}
	if ev.NASName != "" {
		s.NASName = ev.NASName
	}
	if ev.FramedIP != nil {
		s.FramedIP = ev.FramedIP.String()
	}
	if ev.CallingStation != "" {
		s.CallingStation = ev.CallingStation
	}
	if ev.CalledStation != "" {
		s.APName = ev.CalledStation
	}
	if ev.GroupID != "" {
		s.GroupID = ev.GroupID
	}
	if ev.SessionTime > s.SessionTime {
		s.SessionTime = ev.SessionTime
	}
}

func (s *Snapshot) countersEqual(ev *acct.AccountingEvent) bool {
	return s.Input.Equal(ev.InputOctets, ev.InputGigawords) &&
		s.Output.Equal(ev.OutputOctets, ev.OutputGigawords)
}

func (s *Snapshot) countersMonotonic(ev *acct.AccountingEvent) bool {
	return s.Input.Monotonic(ev.InputOctets, ev.InputGigawords) &&
		s.Output.Monotonic(ev.OutputOctets, ev.OutputGigawords)
}

// updateCounters folds the event's counters into s and returns the bytes
// added per direction.
func (s *Snapshot) updateCounters(ev *acct.AccountingEvent) (in, out uint64) {
	var resetIn, resetOut bool
	s.Input, in, resetIn = s.Input.Update(ev.InputOctets, ev.InputGigawords)
	s.Output, out, resetOut = s.Output.Update(ev.OutputOctets, ev.OutputGigawords)
	if resetIn || resetOut {
		s.CounterReset = true
	}
	return in, out
}

func (s *Snapshot) clone() Snapshot {
	c := *s
	if s.StopTime != nil {
		t := *s.StopTime
		c.StopTime = &t
	}
	return c
}
