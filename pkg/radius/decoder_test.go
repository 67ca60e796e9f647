package radius_test

import (
	"context"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	layeh "layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"

	"github.com/codelaboratoryltd/acctd/pkg/acct"
	"github.com/codelaboratoryltd/acctd/pkg/radius"
)

const testSecret = "testing123"

var (
	nasAddr = &net.UDPAddr{IP: net.ParseIP("192.0.2.10"), Port: 40000}
	evTime  = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
)

func accountingRequest(status rfc2866.AcctStatusType, sessionID string) *layeh.Packet {
	p := layeh.New(layeh.CodeAccountingRequest, []byte(testSecret))
	Expect(rfc2866.AcctStatusType_Set(p, status)).To(Succeed())
	if sessionID != "" {
		Expect(rfc2866.AcctSessionID_SetString(p, sessionID)).To(Succeed())
	}
	Expect(rfc2865.UserName_SetString(p, "alice")).To(Succeed())
	return p
}

func encode(p *layeh.Packet) []byte {
	raw, err := p.Encode()
	Expect(err).NotTo(HaveOccurred())
	return raw
}

// signed encodes p with a Message-Authenticator.
func signed(p *layeh.Packet) []byte {
	Expect(rfc2869.MessageAuthenticator_Set(p, make([]byte, 16))).To(Succeed())
	raw := encode(p)
	Expect(radius.SignMessageAuthenticator(raw, p.Secret)).To(Succeed())
	return raw
}

var _ = Describe("Decoder", func() {
	var (
		decoder *radius.Decoder
		now     time.Time
		ctx     context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = evTime.Add(time.Minute)
		registry, err := radius.NewStaticRegistry([]radius.NAS{
			{Identifier: "nas-1", Name: "Core NAS", IP: "192.0.2.10", Secret: testSecret},
			{Identifier: "edge", IP: "198.51.100.0/24", Secret: "edge-secret"},
		})
		Expect(err).NotTo(HaveOccurred())
		decoder = radius.NewDecoder(registry, func() time.Time { return now })
	})

	Describe("Accounting-Request", func() {
		It("should decode a Start with all attributes", func() {
			p := accountingRequest(rfc2866.AcctStatusType_Value_Start, "sess-1")
			Expect(rfc2865.NASIdentifier_SetString(p, "nas-1")).To(Succeed())
			Expect(rfc2865.NASIPAddress_Set(p, net.ParseIP("192.0.2.10"))).To(Succeed())
			Expect(rfc2865.FramedIPAddress_Set(p, net.ParseIP("10.0.0.5"))).To(Succeed())
			Expect(rfc2865.CallingStationID_SetString(p, "aa-bb-cc-dd-ee-ff")).To(Succeed())
			Expect(rfc2865.CalledStationID_SetString(p, "ap-lobby")).To(Succeed())
			Expect(rfc2865.Class_Add(p, []byte("tier=1"))).To(Succeed())
			Expect(rfc2865.Class_Add(p, []byte("group=gold"))).To(Succeed())
			Expect(rfc2869.EventTimestamp_Set(p, evTime)).To(Succeed())

			msg, err := decoder.Decode(ctx, encode(p), nasAddr)
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.NAS.Name).To(Equal("Core NAS"))

			ev, ok := msg.Value.(*acct.AccountingEvent)
			Expect(ok).To(BeTrue())
			Expect(ev.Type).To(Equal(acct.EventStart))
			Expect(ev.SessionID).To(Equal("sess-1"))
			Expect(ev.Username).To(Equal("alice"))
			Expect(ev.NASID).To(Equal("nas-1"))
			Expect(ev.NASName).To(Equal("Core NAS"))
			Expect(ev.NASIP.String()).To(Equal("192.0.2.10"))
			Expect(ev.FramedIP.String()).To(Equal("10.0.0.5"))
			Expect(ev.CallingStation).To(Equal("aa-bb-cc-dd-ee-ff"))
			Expect(ev.CalledStation).To(Equal("ap-lobby"))
			Expect(ev.GroupID).To(Equal("gold"))
			Expect(ev.Timestamp).To(BeTemporally("==", evTime))
		})

		It("should decode counters, gigawords and terminate cause", func() {
			p := accountingRequest(rfc2866.AcctStatusType_Value_Stop, "sess-1")
			Expect(rfc2866.AcctInputOctets_Set(p, 100)).To(Succeed())
			Expect(rfc2866.AcctOutputOctets_Set(p, 200)).To(Succeed())
			Expect(rfc2869.AcctInputGigawords_Set(p, 1)).To(Succeed())
			Expect(rfc2869.AcctOutputGigawords_Set(p, 2)).To(Succeed())
			Expect(rfc2866.AcctSessionTime_Set(p, 3600)).To(Succeed())
			Expect(rfc2866.AcctTerminateCause_Set(p, rfc2866.AcctTerminateCause_Value_IdleTimeout)).To(Succeed())

			msg, err := decoder.Decode(ctx, encode(p), nasAddr)
			Expect(err).NotTo(HaveOccurred())

			ev := msg.Value.(*acct.AccountingEvent)
			Expect(ev.Type).To(Equal(acct.EventStop))
			Expect(ev.InputOctets).To(Equal(uint32(100)))
			Expect(ev.OutputOctets).To(Equal(uint32(200)))
			Expect(ev.InputGigawords).To(Equal(uint32(1)))
			Expect(ev.OutputGigawords).To(Equal(uint32(2)))
			Expect(ev.SessionTime).To(Equal(uint32(3600)))
			Expect(ev.TerminateCause).To(Equal(acct.CauseIdleTimeout))
		})

		It("should back the receive time off by Acct-Delay-Time", func() {
			p := accountingRequest(rfc2866.AcctStatusType_Value_InterimUpdate, "sess-1")
			Expect(rfc2866.AcctDelayTime_Set(p, 30)).To(Succeed())

			msg, err := decoder.Decode(ctx, encode(p), nasAddr)
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Value.(*acct.AccountingEvent).Timestamp).To(BeTemporally("==", now.Add(-30*time.Second)))
		})

		It("should fall back to the source address and registry identifier", func() {
			p := accountingRequest(rfc2866.AcctStatusType_Value_Start, "sess-1")

			msg, err := decoder.Decode(ctx, encode(p), nasAddr)
			Expect(err).NotTo(HaveOccurred())
			ev := msg.Value.(*acct.AccountingEvent)
			Expect(ev.NASIP.String()).To(Equal("192.0.2.10"))
			Expect(ev.NASID).To(Equal("nas-1"))
			Expect(ev.Timestamp).To(BeTemporally("==", now))
		})

		It("should decode Accounting-On without a session id", func() {
			p := accountingRequest(rfc2866.AcctStatusType_Value_AccountingOn, "")

			msg, err := decoder.Decode(ctx, encode(p), nasAddr)
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Value.(*acct.AccountingEvent).Type).To(Equal(acct.EventAccountingOn))
		})

		It("should accept a valid Message-Authenticator", func() {
			p := accountingRequest(rfc2866.AcctStatusType_Value_Start, "sess-1")

			raw := signed(p)
			Expect(layeh.IsAuthenticRequest(raw, p.Secret)).To(BeTrue())

			_, err := decoder.Decode(ctx, raw, nasAddr)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should reject a signed request with an altered Request Authenticator", func() {
			raw := signed(accountingRequest(rfc2866.AcctStatusType_Value_Start, "sess-1"))
			raw[4] ^= 0xff

			_, err := decoder.Decode(ctx, raw, nasAddr)
			Expect(err).To(MatchError(radius.ErrUnauthorizedSource))
		})

		It("should reject a wrong shared secret", func() {
			p := accountingRequest(rfc2866.AcctStatusType_Value_Start, "sess-1")
			p.Secret = []byte("wrong")

			_, err := decoder.Decode(ctx, encode(p), nasAddr)
			Expect(err).To(MatchError(radius.ErrUnauthorizedSource))
		})

		It("should reject a tampered datagram", func() {
			raw := encode(accountingRequest(rfc2866.AcctStatusType_Value_Start, "sess-1"))
			raw[len(raw)-1] ^= 0xff

			_, err := decoder.Decode(ctx, raw, nasAddr)
			Expect(err).To(MatchError(radius.ErrUnauthorizedSource))
		})

		It("should reject an unknown NAS", func() {
			raw := encode(accountingRequest(rfc2866.AcctStatusType_Value_Start, "sess-1"))

			_, err := decoder.Decode(ctx, raw, &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 1})
			Expect(err).To(MatchError(radius.ErrUnauthorizedSource))
		})

		It("should look up NAS devices by CIDR block", func() {
			p := accountingRequest(rfc2866.AcctStatusType_Value_Start, "sess-1")
			p.Secret = []byte("edge-secret")

			msg, err := decoder.Decode(ctx, encode(p), &net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 1})
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.NAS.Name).To(Equal("edge"))
		})

		It("should reject a missing Acct-Session-Id", func() {
			raw := encode(accountingRequest(rfc2866.AcctStatusType_Value_Start, ""))

			_, err := decoder.Decode(ctx, raw, nasAddr)
			Expect(err).To(MatchError(radius.ErrMalformedPacket))
		})

		It("should reject a missing Acct-Status-Type", func() {
			p := layeh.New(layeh.CodeAccountingRequest, []byte(testSecret))
			Expect(rfc2866.AcctSessionID_SetString(p, "sess-1")).To(Succeed())

			_, err := decoder.Decode(ctx, encode(p), nasAddr)
			Expect(err).To(MatchError(radius.ErrMalformedPacket))
		})
	})

	DescribeTable("malformed datagrams",
		func(raw []byte) {
			_, err := decoder.Decode(ctx, raw, nasAddr)
			Expect(err).To(MatchError(radius.ErrMalformedPacket))
		},
		Entry("too short", []byte{4, 1, 0, 10}),
		Entry("declared length beyond datagram", append([]byte{4, 1, 0, 200}, make([]byte, 16)...)),
		Entry("unsupported code", append([]byte{43, 1, 0, 20}, make([]byte, 16)...)),
		Entry("Access-Request", append([]byte{1, 1, 0, 20}, make([]byte, 16)...)),
	)

	Describe("mirrored Access-Accept/Reject", func() {
		It("should decode a signed Access-Reject into an auth record", func() {
			p := layeh.New(layeh.CodeAccessReject, []byte(testSecret))
			Expect(rfc2865.UserName_SetString(p, "bob")).To(Succeed())
			Expect(rfc2865.CallingStationID_SetString(p, "11-22-33-44-55-66")).To(Succeed())
			Expect(rfc2869.EventTimestamp_Set(p, evTime)).To(Succeed())

			msg, err := decoder.Decode(ctx, signed(p), nasAddr)
			Expect(err).NotTo(HaveOccurred())

			rec, ok := msg.Value.(*acct.AuthRecord)
			Expect(ok).To(BeTrue())
			Expect(rec.Username).To(Equal("bob"))
			Expect(rec.Reply).To(Equal(acct.ReplyReject))
			Expect(rec.NASIP).To(Equal("192.0.2.10"))
			Expect(rec.CallingStation).To(Equal("11-22-33-44-55-66"))
			Expect(rec.Timestamp).To(BeTemporally("==", evTime))
		})

		It("should require a Message-Authenticator", func() {
			p := layeh.New(layeh.CodeAccessAccept, []byte(testSecret))
			Expect(rfc2865.UserName_SetString(p, "bob")).To(Succeed())

			_, err := decoder.Decode(ctx, encode(p), nasAddr)
			Expect(err).To(MatchError(radius.ErrUnauthorizedSource))
		})

		It("should reject a Message-Authenticator signed with another secret", func() {
			p := layeh.New(layeh.CodeAccessAccept, []byte("other"))
			Expect(rfc2865.UserName_SetString(p, "bob")).To(Succeed())

			_, err := decoder.Decode(ctx, signed(p), nasAddr)
			Expect(err).To(MatchError(radius.ErrUnauthorizedSource))
		})
	})

	Describe("Status-Server", func() {
		It("should decode a signed probe", func() {
			p := layeh.New(layeh.CodeStatusServer, []byte(testSecret))

			msg, err := decoder.Decode(ctx, signed(p), nasAddr)
			Expect(err).NotTo(HaveOccurred())
			probe, ok := msg.Value.(*acct.StatusProbe)
			Expect(ok).To(BeTrue())
			Expect(probe.NASIP.String()).To(Equal("192.0.2.10"))
		})
	})
})

var _ = Describe("NAS registries", func() {
	It("should require a secret", func() {
		_, err := radius.NewStaticRegistry([]radius.NAS{{IP: "192.0.2.1"}})
		Expect(err).To(HaveOccurred())
	})

	It("should reject an invalid address", func() {
		_, err := radius.NewStaticRegistry([]radius.NAS{{IP: "not-an-ip", Secret: "s"}})
		Expect(err).To(HaveOccurred())
	})

	It("should prefer exact addresses over CIDR blocks", func() {
		r, err := radius.NewStaticRegistry([]radius.NAS{
			{Identifier: "block", IP: "192.0.2.0/24", Secret: "a"},
			{Identifier: "exact", IP: "192.0.2.5", Secret: "b"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Len()).To(Equal(2))

		n, err := r.LookupNAS(context.Background(), "192.0.2.5")
		Expect(err).NotTo(HaveOccurred())
		Expect(n.Identifier).To(Equal("exact"))

		n, err = r.LookupNAS(context.Background(), "192.0.2.6")
		Expect(err).NotTo(HaveOccurred())
		Expect(n.Identifier).To(Equal("block"))
	})

	It("should ask each registry of a chain in turn", func() {
		a, _ := radius.NewStaticRegistry([]radius.NAS{{Identifier: "a", IP: "192.0.2.1", Secret: "s"}})
		b, _ := radius.NewStaticRegistry([]radius.NAS{{Identifier: "b", IP: "192.0.2.2", Secret: "s"}})
		chain := radius.ChainRegistry{a, b}

		n, err := chain.LookupNAS(context.Background(), "192.0.2.2")
		Expect(err).NotTo(HaveOccurred())
		Expect(n.Identifier).To(Equal("b"))

		_, err = chain.LookupNAS(context.Background(), "192.0.2.3")
		Expect(err).To(MatchError(radius.ErrUnknownNAS))
	})
})
