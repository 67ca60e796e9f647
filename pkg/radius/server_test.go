package radius_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	layeh "layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/codelaboratoryltd/acctd/pkg/acct"
	"github.com/codelaboratoryltd/acctd/pkg/radius"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []*acct.AccountingEvent
	auths  []*acct.AuthRecord
	err    error
}

func (h *recordingHandler) HandleAccounting(_ context.Context, ev *acct.AccountingEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.events = append(h.events, ev)
	return nil
}

func (h *recordingHandler) HandleAuth(_ context.Context, rec *acct.AuthRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.auths = append(h.auths, rec)
}

func (h *recordingHandler) eventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func (h *recordingHandler) authCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.auths)
}

var _ = Describe("Server", func() {
	var (
		server  *radius.Server
		handler *recordingHandler
		addr    string
		cancel  context.CancelFunc
	)

	BeforeEach(func() {
		registry, err := radius.NewStaticRegistry([]radius.NAS{
			{Identifier: "loopback", IP: "127.0.0.1", Secret: testSecret},
		})
		Expect(err).NotTo(HaveOccurred())

		handler = &recordingHandler{}
		server, err = radius.NewServer(radius.ServerConfig{Address: "127.0.0.1:0", Workers: 2},
			radius.NewDecoder(registry, nil), handler, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		Expect(server.Start(ctx)).To(Succeed())
		addr = server.Addr().String()
	})

	AfterEach(func() {
		Expect(server.Stop()).To(Succeed())
		cancel()
	})

	It("should require a decoder and a handler", func() {
		_, err := radius.NewServer(radius.ServerConfig{}, nil, handler, zap.NewNop())
		Expect(err).To(HaveOccurred())
	})

	It("should acknowledge an applied Accounting-Request and echo Proxy-State", func() {
		p := accountingRequest(2, "sess-1")
		p.Add(layeh.Type(33), []byte("proxy-1"))
		p.Add(layeh.Type(33), []byte("proxy-2"))

		ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		resp, err := layeh.Exchange(ctx, p, addr)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Code).To(Equal(layeh.CodeAccountingResponse))

		var states []string
		for _, avp := range resp.Attributes {
			if avp.Type == layeh.Type(33) {
				states = append(states, string(avp.Attribute))
			}
		}
		Expect(states).To(Equal([]string{"proxy-1", "proxy-2"}))
		Expect(handler.eventCount()).To(Equal(1))
		Expect(server.Stats().Acknowledged).To(Equal(uint64(1)))
	})

	It("should not acknowledge an event the handler refused", func() {
		handler.err = errors.New("invalid event")

		ctx, done := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer done()
		_, err := layeh.Exchange(ctx, accountingRequest(1, "sess-1"), addr)
		Expect(err).To(HaveOccurred())
		Eventually(func() uint64 { return server.Stats().Failed }).Should(BeNumerically(">=", 1))
	})

	It("should answer Status-Server with an authentic Accounting-Response", func() {
		ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		res, err := radius.Probe(ctx, addr, testSecret, "probe")
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Code).To(Equal(layeh.CodeAccountingResponse.String()))
	})

	It("should record mirrored Access-Accept without replying", func() {
		p := layeh.New(layeh.CodeAccessAccept, []byte(testSecret))
		Expect(rfc2865.UserName_SetString(p, "bob")).To(Succeed())
		raw := signed(p)

		conn, err := net.Dial("udp", addr)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()
		_, err = conn.Write(raw)
		Expect(err).NotTo(HaveOccurred())

		Eventually(handler.authCount).Should(Equal(1))
		Expect(server.Stats().Acknowledged).To(BeZero())
	})

	It("should drop datagrams signed with the wrong secret", func() {
		p := accountingRequest(1, "sess-1")
		p.Secret = []byte("wrong")

		ctx, done := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer done()
		_, err := layeh.Exchange(ctx, p, addr)
		Expect(err).To(HaveOccurred())
		Eventually(func() uint64 { return server.Stats().Unauthorized }).Should(BeNumerically(">=", 1))
		Expect(handler.eventCount()).To(BeZero())
	})
})

var _ = Describe("Guard", func() {
	It("should report a source once it exceeds the threshold", func() {
		g := radius.NewGuard(radius.GuardConfig{Threshold: 3, Window: time.Hour}, zap.NewNop())
		err := radius.ErrUnauthorizedSource

		for i := 0; i < 3; i++ {
			Expect(g.Reject("203.0.113.1", err)).To(BeFalse())
		}
		Expect(g.Reject("203.0.113.1", err)).To(BeTrue())
		Expect(g.Reject("203.0.113.2", err)).To(BeFalse())
		Expect(g.Sources()).To(Equal(2))
	})

	It("should bound the number of tracked sources", func() {
		g := radius.NewGuard(radius.GuardConfig{Threshold: 1, Window: time.Hour, MaxSources: 2}, zap.NewNop())
		g.Reject("a", nil)
		g.Reject("b", nil)
		g.Reject("c", nil)
		Expect(g.Sources()).To(BeNumerically("<=", 2))
	})
})
