package radius

import (
	"context"
	"fmt"
	"time"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
)

// ProbeResult is the outcome of a Status-Server probe.
type ProbeResult struct {
	Server string        `json:"server"`
	Code   string        `json:"code"`
	RTT    time.Duration `json:"rtt"`
}

// Probe sends an RFC 5997 Status-Server request to an accounting server and
// waits for an authentic Accounting-Response. radius.Exchange retransmits
// and rejects responses whose Response Authenticator does not validate.
func Probe(ctx context.Context, server, secret, nasIdentifier string) (*ProbeResult, error) {
	if secret == "" {
		return nil, fmt.Errorf("RADIUS secret required")
	}

	packet := radius.New(radius.CodeStatusServer, []byte(secret))
	if nasIdentifier != "" {
		rfc2865.NASIdentifier_SetString(packet, nasIdentifier)
	}
	if err := addMessageAuthenticator(packet); err != nil {
		return nil, fmt.Errorf("failed to sign Status-Server: %w", err)
	}

	start := time.Now()
	response, err := radius.Exchange(ctx, packet, server)
	if err != nil {
		return nil, fmt.Errorf("Status-Server to %s: %w", server, err)
	}
	rtt := time.Since(start)

	if response.Code != radius.CodeAccountingResponse {
		return nil, fmt.Errorf("Status-Server to %s: unexpected response %s", server, response.Code)
	}

	return &ProbeResult{
		Server: server,
		Code:   response.Code.String(),
		RTT:    rtt,
	}, nil
}
