package radius

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"

	"github.com/codelaboratoryltd/acctd/pkg/acct"
)

const attrProxyState = 33

// maxPacketSize is the largest RADIUS datagram (RFC 2865 section 3).
const maxPacketSize = 4096

// Handler applies decoded datagrams. HandleAccounting must return only once
// the event has been applied; a nil error acknowledges the request.
type Handler interface {
	HandleAccounting(ctx context.Context, ev *acct.AccountingEvent) error
	HandleAuth(ctx context.Context, rec *acct.AuthRecord)
}

// Observer receives per-datagram outcomes, typically for metrics.
type Observer interface {
	ObservePacket(code, result string)
	ObserveDecodeError(kind string)
	ObserveAccountingLatency(d time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObservePacket(string, string)           {}
func (nopObserver) ObserveDecodeError(string)              {}
func (nopObserver) ObserveAccountingLatency(time.Duration) {}

// ServerConfig configures the accounting listener.
type ServerConfig struct {
	Address   string // Listen address (default :1813)
	Workers   int    // Datagram workers (default 16)
	QueueSize int    // Datagrams waiting for a worker (default 1024)
	Guard     GuardConfig
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:   ":1813",
		Workers:   16,
		QueueSize: 1024,
		Guard:     DefaultGuardConfig(),
	}
}

// ServerStats are the listener counters.
type ServerStats struct {
	Received     uint64 `json:"received"`
	Acknowledged uint64 `json:"acknowledged"`
	Malformed    uint64 `json:"malformed"`
	Unauthorized uint64 `json:"unauthorized"`
	Overflow     uint64 `json:"overflow"`
	Failed       uint64 `json:"failed"`
}

type datagram struct {
	buf  []byte
	addr *net.UDPAddr
}

// Server listens for Accounting-Request, Status-Server and mirrored
// Access-Accept/Reject datagrams.
type Server struct {
	cfg      ServerConfig
	decoder  *Decoder
	handler  Handler
	observer Observer
	guard    *Guard
	logger   *zap.Logger

	conn    *net.UDPConn
	running int32
	jobs    chan datagram
	wg      sync.WaitGroup

	received     uint64
	acknowledged uint64
	malformed    uint64
	unauthorized uint64
	overflow     uint64
	failed       uint64
}

// NewServer creates an accounting server.
func NewServer(cfg ServerConfig, decoder *Decoder, handler Handler, logger *zap.Logger) (*Server, error) {
	if decoder == nil {
		return nil, fmt.Errorf("decoder required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler required")
	}
	d := DefaultServerConfig()
	if cfg.Address == "" {
		cfg.Address = d.Address
	}
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	logger = logger.Named("radius")

	return &Server{
		cfg:      cfg,
		decoder:  decoder,
		handler:  handler,
		observer: nopObserver{},
		guard:    NewGuard(cfg.Guard, logger),
		logger:   logger,
	}, nil
}

// SetObserver sets the outcome observer. It must be called before Start.
func (s *Server) SetObserver(o Observer) {
	if o != nil {
		s.observer = o
	}
}

// Start binds the listener and starts the workers.
func (s *Server) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.conn = conn
	s.jobs = make(chan datagram, s.cfg.QueueSize)

	atomic.StoreInt32(&s.running, 1)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.wg.Add(1)
	go s.receiveLoop(ctx)

	s.logger.Info("RADIUS accounting server started",
		zap.String("address", conn.LocalAddr().String()),
		zap.Int("workers", s.cfg.Workers),
	)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop stops reading, lets the workers finish queued datagrams and closes
// the socket.
func (s *Server) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return nil
	}
	s.wg.Wait()
	s.logger.Info("RADIUS accounting server stopped")
	return s.conn.Close()
}

func (s *Server) receiveLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.jobs)

	buf := make([]byte, maxPacketSize)
	for atomic.LoadInt32(&s.running) == 1 {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Read error", zap.Error(err))
			continue
		}
		atomic.AddUint64(&s.received, 1)

		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		select {
		case s.jobs <- datagram{buf: pkt, addr: addr}:
		default:
			// The NAS retransmits unacknowledged requests.
			atomic.AddUint64(&s.overflow, 1)
			s.observer.ObservePacket(codeName(pkt), "overflow")
			s.logger.Debug("Worker queue full, dropping datagram",
				zap.String("from", addr.String()),
			)
		}
	}
}

func (s *Server) worker(ctx context.Context) {
	defer s.wg.Done()
	for d := range s.jobs {
		s.handle(ctx, d.buf, d.addr)
	}
}

// handle decodes and applies one datagram and writes the reply, if any.
func (s *Server) handle(ctx context.Context, raw []byte, addr *net.UDPAddr) {
	start := time.Now()
	code := codeName(raw)

	msg, err := s.decoder.Decode(ctx, raw, addr)
	if err != nil {
		s.rejected(code, addr, err)
		return
	}

	switch v := msg.Value.(type) {
	case *acct.AccountingEvent:
		if err := s.handler.HandleAccounting(ctx, v); err != nil {
			atomic.AddUint64(&s.failed, 1)
			s.observer.ObservePacket(code, "failed")
			s.logger.Warn("Accounting event not applied",
				zap.String("from", addr.String()),
				zap.String("session_id", v.SessionID),
				zap.Error(err),
			)
			return
		}
		resp := msg.Packet.Response(radius.CodeAccountingResponse)
		copyProxyState(msg.Packet, resp)
		s.reply(resp, addr)
		s.observer.ObserveAccountingLatency(time.Since(start))
		s.observer.ObservePacket(code, "ok")

	case *acct.AuthRecord:
		s.handler.HandleAuth(ctx, v)
		s.observer.ObservePacket(code, "ok")

	case *acct.StatusProbe:
		resp := msg.Packet.Response(radius.CodeAccountingResponse)
		copyProxyState(msg.Packet, resp)
		if err := addResponseMessageAuthenticator(resp, msg.Packet.Authenticator); err != nil {
			s.logger.Error("Failed to sign Status-Server response", zap.Error(err))
			return
		}
		s.reply(resp, addr)
		s.observer.ObservePacket(code, "ok")
	}
}

func (s *Server) rejected(code string, addr *net.UDPAddr, err error) {
	switch {
	case errors.Is(err, ErrUnauthorizedSource):
		atomic.AddUint64(&s.unauthorized, 1)
		s.observer.ObservePacket(code, "unauthorized")
		s.observer.ObserveDecodeError("unauthorized_source")
		s.guard.Reject(addr.IP.String(), err)
	case errors.Is(err, ErrMalformedPacket):
		atomic.AddUint64(&s.malformed, 1)
		s.observer.ObservePacket(code, "malformed")
		s.observer.ObserveDecodeError("malformed")
		s.logger.Warn("Dropping malformed datagram",
			zap.String("from", addr.String()),
			zap.Error(err),
		)
	default:
		atomic.AddUint64(&s.failed, 1)
		s.observer.ObservePacket(code, "failed")
		s.logger.Error("Failed to decode datagram",
			zap.String("from", addr.String()),
			zap.Error(err),
		)
	}
}

func (s *Server) reply(resp *radius.Packet, addr *net.UDPAddr) {
	encoded, err := resp.Encode()
	if err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		return
	}
	if _, err := s.conn.WriteToUDP(encoded, addr); err != nil {
		s.logger.Error("Failed to send response",
			zap.String("to", addr.String()),
			zap.Error(err),
		)
		return
	}
	atomic.AddUint64(&s.acknowledged, 1)
}

// Stats returns the listener counters.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Received:     atomic.LoadUint64(&s.received),
		Acknowledged: atomic.LoadUint64(&s.acknowledged),
		Malformed:    atomic.LoadUint64(&s.malformed),
		Unauthorized: atomic.LoadUint64(&s.unauthorized),
		Overflow:     atomic.LoadUint64(&s.overflow),
		Failed:       atomic.LoadUint64(&s.failed),
	}
}

// copyProxyState echoes every Proxy-State of the request, in order.
func copyProxyState(req, resp *radius.Packet) {
	for _, avp := range req.Attributes {
		if avp.Type == radius.Type(attrProxyState) {
			resp.Add(radius.Type(attrProxyState), avp.Attribute)
		}
	}
}

func codeName(raw []byte) string {
	if len(raw) == 0 {
		return "unknown"
	}
	switch radius.Code(raw[0]) {
	case radius.CodeAccountingRequest:
		return "accounting_request"
	case radius.CodeAccessAccept:
		return "access_accept"
	case radius.CodeAccessReject:
		return "access_reject"
	case radius.CodeStatusServer:
		return "status_server"
	}
	return "other"
}
