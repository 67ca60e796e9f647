// Package acct holds the decoded accounting and authentication records shared
// by the decoder, the session ledger and the persistence layer.
package acct

import (
	"fmt"
	"net"
	"time"
)

// EventType is the Acct-Status-Type of an accounting event.
type EventType uint32

const (
	EventStart         EventType = 1
	EventStop          EventType = 2
	EventInterimUpdate EventType = 3
	EventAccountingOn  EventType = 7
	EventAccountingOff EventType = 8
)

// String returns the RADIUS dictionary name of the status type.
func (t EventType) String() string {
	switch t {
	case EventStart:
		return "Start"
	case EventStop:
		return "Stop"
	case EventInterimUpdate:
		return "Interim-Update"
	case EventAccountingOn:
		return "Accounting-On"
	case EventAccountingOff:
		return "Accounting-Off"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(t))
	}
}

// IsSession reports whether the event refers to a single session rather
// than to the NAS as a whole.
func (t EventType) IsSession() bool {
	return t == EventStart || t == EventStop || t == EventInterimUpdate
}

// TerminateCause is the reason a session ended, by dictionary name.
type TerminateCause string

const (
	CauseUserRequest    TerminateCause = "User-Request"
	CauseLostCarrier    TerminateCause = "Lost-Carrier"
	CauseLostService    TerminateCause = "Lost-Service"
	CauseIdleTimeout    TerminateCause = "Idle-Timeout"
	CauseSessionTimeout TerminateCause = "Session-Timeout"
	CauseAdminReset     TerminateCause = "Admin-Reset"
	CauseAdminReboot    TerminateCause = "Admin-Reboot"
	CausePortError      TerminateCause = "Port-Error"
	CauseNASError       TerminateCause = "NAS-Error"
	CauseNASRequest     TerminateCause = "NAS-Request"
	CauseNASReboot      TerminateCause = "NAS-Reboot"
	CausePortUnneeded   TerminateCause = "Port-Unneeded"
	CausePortPreempted  TerminateCause = "Port-Preempted"
	CausePortSuspended  TerminateCause = "Port-Suspended"
	CauseServiceUnavail TerminateCause = "Service-Unavailable"
	CauseCallback       TerminateCause = "Callback"
	CauseUserError      TerminateCause = "User-Error"
	CauseHostRequest    TerminateCause = "Host-Request"

	// CauseDuplicateStart is not an RFC 2866 value. It marks a session that
	// was superseded by a second Start for the same session id.
	CauseDuplicateStart TerminateCause = "Duplicate-Start"
)

var causeByCode = map[uint32]TerminateCause{
	1:  CauseUserRequest,
	2:  CauseLostCarrier,
	3:  CauseLostService,
	4:  CauseIdleTimeout,
	5:  CauseSessionTimeout,
	6:  CauseAdminReset,
	7:  CauseAdminReboot,
	8:  CausePortError,
	9:  CauseNASError,
	10: CauseNASRequest,
	11: CauseNASReboot,
	12: CausePortUnneeded,
	13: CausePortPreempted,
	14: CausePortSuspended,
	15: CauseServiceUnavail,
	16: CauseCallback,
	17: CauseUserError,
	18: CauseHostRequest,
}

// CauseFromCode maps an Acct-Terminate-Cause value to its name. Unknown
// values are kept numerically so nothing reported by the NAS is lost.
func CauseFromCode(code uint32) TerminateCause {
	if c, ok := causeByCode[code]; ok {
		return c
	}
	if code == 0 {
		return ""
	}
	return TerminateCause(fmt.Sprintf("Cause-%d", code))
}

// Decoded is the result of decoding one datagram: *AccountingEvent,
// *AuthRecord or *StatusProbe.
type Decoded interface {
	decoded()
}

// AccountingEvent is a decoded Accounting-Request.
type AccountingEvent struct {
	Type           EventType
	SessionID      string
	Username       string
	NASID          string
	NASIP          net.IP
	NASName        string
	FramedIP       net.IP
	CallingStation string
	CalledStation  string
	GroupID        string
	Timestamp      time.Time

	InputOctets     uint32
	InputGigawords  uint32
	OutputOctets    uint32
	OutputGigawords uint32
	SessionTime     uint32

	TerminateCause TerminateCause
}

func (*AccountingEvent) decoded() {}

// Reply is the outcome of an authentication attempt.
type Reply string

const (
	ReplyAccept Reply = "accept"
	ReplyReject Reply = "reject"
)

// ParseReply accepts the API spelling of a reply filter.
func ParseReply(s string) (Reply, error) {
	switch Reply(s) {
	case ReplyAccept, ReplyReject:
		return Reply(s), nil
	case "Access-Accept":
		return ReplyAccept, nil
	case "Access-Reject":
		return ReplyReject, nil
	}
	return "", fmt.Errorf("unknown reply %q", s)
}

// AuthRecord is one authentication decision. It is never mutated after
// creation.
type AuthRecord struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	Reply          Reply     `json:"reply"`
	NASIP          string    `json:"nas_ip"`
	CallingStation string    `json:"calling_station,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func (*AuthRecord) decoded() {}

// StatusProbe is an RFC 5997 Status-Server request.
type StatusProbe struct {
	NASIP net.IP
}

func (*StatusProbe) decoded() {}
