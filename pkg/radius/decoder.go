// Package radius decodes RADIUS accounting and authentication datagrams and
// serves the accounting port.
package radius

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"

	"github.com/codelaboratoryltd/acctd/pkg/acct"
)

var (
	// ErrMalformedPacket is returned for datagrams that are not valid
	// RADIUS or carry a code or attribute set the engine does not accept.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrUnauthorizedSource is returned when the sender is not a registered
	// NAS or its authenticator does not validate against the NAS secret.
	ErrUnauthorizedSource = errors.New("unauthorized source")
)

// groupClassPrefix marks a Class attribute carrying the subscriber group.
const groupClassPrefix = "group="

// Message is a decoded datagram together with what is needed to answer it.
type Message struct {
	Packet *radius.Packet
	NAS    *NAS
	Value  acct.Decoded
}

// Decoder turns datagrams into accounting events, auth records and
// Status-Server probes. Apart from the NAS lookup it does no I/O.
type Decoder struct {
	registry NASRegistry
	clock    func() time.Time
}

// NewDecoder creates a decoder. A nil clock means time.Now.
func NewDecoder(registry NASRegistry, clock func() time.Time) *Decoder {
	if clock == nil {
		clock = time.Now
	}
	return &Decoder{registry: registry, clock: clock}
}

// Decode validates and decodes one datagram received from src.
func (d *Decoder) Decode(ctx context.Context, raw []byte, src net.Addr) (*Message, error) {
	if len(raw) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(raw))
	}
	length := declaredLength(raw)
	if length < headerLen || length > len(raw) {
		return nil, fmt.Errorf("%w: declared length %d, got %d bytes", ErrMalformedPacket, length, len(raw))
	}
	raw = raw[:length]

	code := radius.Code(raw[0])
	switch code {
	case radius.CodeAccountingRequest, radius.CodeAccessAccept, radius.CodeAccessReject, radius.CodeStatusServer:
	case radius.CodeAccessRequest:
		return nil, fmt.Errorf("%w: Access-Request carries no decision", ErrMalformedPacket)
	default:
		return nil, fmt.Errorf("%w: unsupported code %d", ErrMalformedPacket, code)
	}

	ip := hostIP(src)
	nas, err := d.registry.LookupNAS(ctx, ip)
	if err != nil {
		if errors.Is(err, ErrUnknownNAS) {
			return nil, fmt.Errorf("%w: %s is not a registered NAS", ErrUnauthorizedSource, ip)
		}
		return nil, fmt.Errorf("NAS lookup for %s: %w", ip, err)
	}
	secret := []byte(nas.Secret)

	if err := d.authenticate(code, raw, secret); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnauthorizedSource, ip, err)
	}

	packet, err := radius.Parse(raw, secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	msg := &Message{Packet: packet, NAS: nas}
	switch code {
	case radius.CodeAccountingRequest:
		ev, err := d.accountingEvent(packet, nas, ip)
		if err != nil {
			return nil, err
		}
		msg.Value = ev
	case radius.CodeAccessAccept, radius.CodeAccessReject:
		msg.Value = d.authRecord(packet, ip)
	case radius.CodeStatusServer:
		msg.Value = &acct.StatusProbe{NASIP: net.ParseIP(ip)}
	}
	return msg, nil
}

// authenticate checks the signature rules of each accepted code.
// Accounting-Request must carry a valid Request Authenticator and, when
// present, a valid Message-Authenticator. Status-Server and mirrored
// Access-Accept/Reject must carry a valid Message-Authenticator.
func (d *Decoder) authenticate(code radius.Code, raw, secret []byte) error {
	if code == radius.CodeAccountingRequest {
		if !radius.IsAuthenticRequest(raw, secret) {
			return errors.New("request authenticator mismatch")
		}
		var zero [16]byte
		ok, err := verifyMessageAuthenticator(raw, secret, zero[:])
		if errors.Is(err, errNoMessageAuthenticator) {
			return nil
		}
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("message authenticator mismatch")
		}
		return nil
	}

	ok, err := verifyMessageAuthenticator(raw, secret, nil)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("message authenticator mismatch")
	}
	return nil
}

func (d *Decoder) accountingEvent(p *radius.Packet, nas *NAS, srcIP string) (*acct.AccountingEvent, error) {
	status, err := rfc2866.AcctStatusType_Lookup(p)
	if err != nil {
		return nil, fmt.Errorf("%w: Acct-Status-Type: %v", ErrMalformedPacket, err)
	}

	ev := &acct.AccountingEvent{
		Type:    acct.EventType(status),
		NASName: nas.Name,
	}

	switch ev.Type {
	case acct.EventStart, acct.EventStop, acct.EventInterimUpdate:
		ev.SessionID = lookupString(p, rfc2866.AcctSessionID_LookupString)
		if ev.SessionID == "" {
			return nil, fmt.Errorf("%w: missing Acct-Session-Id", ErrMalformedPacket)
		}
	case acct.EventAccountingOn, acct.EventAccountingOff:
	default:
		return nil, fmt.Errorf("%w: unsupported Acct-Status-Type %d", ErrMalformedPacket, status)
	}

	ev.Username = lookupString(p, rfc2865.UserName_LookupString)
	ev.NASID = lookupString(p, rfc2865.NASIdentifier_LookupString)
	if ev.NASID == "" {
		ev.NASID = nas.Identifier
	}
	if ip, err := rfc2865.NASIPAddress_Lookup(p); err == nil {
		ev.NASIP = ip
	} else {
		ev.NASIP = net.ParseIP(srcIP)
	}
	if ip, err := rfc2865.FramedIPAddress_Lookup(p); err == nil {
		ev.FramedIP = ip
	}
	ev.CallingStation = lookupString(p, rfc2865.CallingStationID_LookupString)
	ev.CalledStation = lookupString(p, rfc2865.CalledStationID_LookupString)
	ev.GroupID = groupFromClass(p)

	if v, err := rfc2866.AcctInputOctets_Lookup(p); err == nil {
		ev.InputOctets = uint32(v)
	}
	if v, err := rfc2866.AcctOutputOctets_Lookup(p); err == nil {
		ev.OutputOctets = uint32(v)
	}
	if v, err := rfc2869.AcctInputGigawords_Lookup(p); err == nil {
		ev.InputGigawords = uint32(v)
	}
	if v, err := rfc2869.AcctOutputGigawords_Lookup(p); err == nil {
		ev.OutputGigawords = uint32(v)
	}
	if v, err := rfc2866.AcctSessionTime_Lookup(p); err == nil {
		ev.SessionTime = uint32(v)
	}
	if v, err := rfc2866.AcctTerminateCause_Lookup(p); err == nil {
		ev.TerminateCause = acct.CauseFromCode(uint32(v))
	}

	ev.Timestamp = d.eventTime(p)
	return ev, nil
}

func (d *Decoder) authRecord(p *radius.Packet, srcIP string) *acct.AuthRecord {
	rec := &acct.AuthRecord{
		Username:       lookupString(p, rfc2865.UserName_LookupString),
		Reply:          acct.ReplyAccept,
		NASIP:          srcIP,
		CallingStation: lookupString(p, rfc2865.CallingStationID_LookupString),
		Timestamp:      d.eventTime(p),
	}
	if p.Code == radius.CodeAccessReject {
		rec.Reply = acct.ReplyReject
	}
	if ip, err := rfc2865.NASIPAddress_Lookup(p); err == nil {
		rec.NASIP = ip.String()
	}
	return rec
}

// eventTime is Event-Timestamp when present, otherwise the receive time
// backed off by Acct-Delay-Time.
func (d *Decoder) eventTime(p *radius.Packet) time.Time {
	if ts, err := rfc2869.EventTimestamp_Lookup(p); err == nil && !ts.IsZero() {
		return ts.UTC()
	}
	now := d.clock().UTC()
	if delay, err := rfc2866.AcctDelayTime_Lookup(p); err == nil {
		return now.Add(-time.Duration(delay) * time.Second)
	}
	return now
}

func groupFromClass(p *radius.Packet) string {
	classes, err := rfc2865.Class_Gets(p)
	if err != nil {
		return ""
	}
	for _, c := range classes {
		if s := string(c); strings.HasPrefix(s, groupClassPrefix) {
			return strings.TrimPrefix(s, groupClassPrefix)
		}
	}
	return ""
}

func lookupString(p *radius.Packet, lookup func(*radius.Packet) (string, error)) string {
	v, err := lookup(p)
	if err != nil {
		return ""
	}
	return v
}
