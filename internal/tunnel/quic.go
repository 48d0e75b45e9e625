package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"grimm.is/tunnelboard/internal/logging"
	tbtls "grimm.is/tunnelboard/internal/tls"
)

const (
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	keepAlivePeriod  = 15 * time.Second
	certValidity     = 365 * 24 * time.Hour
)

// QUICDriver carries endpoint traffic over QUIC streams, one stream per
// forwarded TCP connection.
type QUICDriver struct {
	bind   string
	local  string
	logger *logging.Logger
}

// NewQUICDriver creates the driver.
func NewQUICDriver(opts Options) *QUICDriver {
	if opts.Bind == "" {
		opts.Bind = ":0"
	}
	if opts.Local == "" {
		opts.Local = "127.0.0.1"
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &QUICDriver{bind: opts.Bind, local: opts.Local, logger: opts.Logger.WithComponent("tunnel")}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: handshakeTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		MaxIdleTimeout:       keepAlivePeriod * 4,
	}
}

// Open starts a server listener or dials a client's peer.
func (d *QUICDriver) Open(ctx context.Context, ep Endpoint) (Handle, error) {
	switch ep.Kind {
	case KindServer:
		return d.openServer(ep)
	case KindClient:
		return d.openClient(ctx, ep)
	}
	return nil, fmt.Errorf("unknown endpoint kind %q", ep.Kind)
}

func exportKey(conn *quic.Conn) ([]byte, error) {
	state := conn.ConnectionState().TLS
	return state.ExportKeyingMaterial(exporterLabel, nil, 32)
}

// serverHandle accepts QUIC connections and forwards each stream to the
// local service.
type serverHandle struct {
	ep     Endpoint
	id     []byte
	target string
	addr   string

	pc     net.PacketConn
	ln     *quic.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
	conns  *tracker
	logger *logging.Logger
}

func (d *QUICDriver) openServer(ep Endpoint) (Handle, error) {
	if ep.Key == "" {
		return nil, fmt.Errorf("server endpoint has no key")
	}

	pc, err := net.ListenPacket("udp", d.bind)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", d.bind, err)
	}

	cert, err := tbtls.SelfSigned(nil, certValidity)
	if err != nil {
		pc.Close()
		return nil, err
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}

	ln, err := quic.Listen(pc, tlsCfg, quicConfig())
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("start QUIC listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &serverHandle{
		ep:     ep,
		id:     endpointID(ep.Key),
		target: net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port)),
		addr:   ConnString{Secure: ep.Secure, Secret: ep.Key, Addr: pc.LocalAddr().String()}.String(),
		pc:     pc,
		ln:     ln,
		cancel: cancel,
		conns:  newTracker(),
		logger: d.logger.WithFields(map[string]any{"kind": "server", "target": net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))}),
	}

	h.wg.Add(1)
	go h.acceptLoop(ctx)

	h.logger.Info("server endpoint listening", "udp", pc.LocalAddr().String(), "secure", ep.Secure)
	return h, nil
}

func (h *serverHandle) Addr() string { return h.addr }

func (h *serverHandle) acceptLoop(ctx context.Context) {
	defer h.wg.Done()
	for {
		conn, err := h.ln.Accept(ctx)
		if err != nil {
			return
		}
		untrack := h.conns.add(closerFunc(func() error {
			return conn.CloseWithError(0, "endpoint closed")
		}))
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			defer untrack()
			h.serveConn(ctx, conn)
		}()
	}
}

func (h *serverHandle) serveConn(ctx context.Context, conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.serveStream(conn, stream)
		}()
	}
}

func (h *serverHandle) serveStream(conn *quic.Conn, stream *quic.Stream) {
	stream.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var hi hello
	if err := readFrame(stream, &hi); err != nil {
		stream.CancelRead(1)
		stream.Close()
		return
	}
	stream.SetReadDeadline(time.Time{})

	if reason := h.check(conn, hi); reason != "" {
		h.logger.Warn("rejected stream", "remote", conn.RemoteAddr().String(), "reason", reason)
		writeFrame(stream, helloAck{Reason: reason})
		stream.Close()
		return
	}

	upstream, err := net.DialTimeout("tcp", h.target, dialTimeout)
	if err != nil {
		h.logger.Warn("upstream unreachable", "error", err)
		writeFrame(stream, helloAck{Reason: "upstream unreachable"})
		stream.Close()
		return
	}
	if err := writeFrame(stream, helloAck{OK: true}); err != nil {
		upstream.Close()
		return
	}

	untrack := h.conns.add(upstream)
	defer untrack()
	pipe(upstream, stream)
}

func (h *serverHandle) check(conn *quic.Conn, hi hello) string {
	if hi.Version != protocolVersion {
		return "unsupported version"
	}
	if !equal(hi.Endpoint, h.id) {
		return "unknown endpoint"
	}
	if !h.ep.Secure {
		return ""
	}
	ekm, err := exportKey(conn)
	if err != nil {
		return "no keying material"
	}
	if !equal(hi.Proof, proofFor(h.ep.Key, ekm)) {
		return "bad proof"
	}
	return ""
}

func (h *serverHandle) Close() error {
	h.cancel()
	err := h.ln.Close()
	h.conns.closeAll()
	h.pc.Close()
	h.wg.Wait()
	return err
}

// clientHandle listens on a local TCP port and opens one stream to the peer
// per accepted connection.
type clientHandle struct {
	cs     ConnString
	tlsCfg *tls.Config

	mu   sync.Mutex
	conn *quic.Conn

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	conns  *tracker
	logger *logging.Logger
}

func (d *QUICDriver) openClient(ctx context.Context, ep Endpoint) (Handle, error) {
	cs, err := ParseConnString(ep.Key)
	if err != nil {
		return nil, err
	}
	if cs.Addr == "" {
		return nil, errNoPeer
	}

	// The server certificate is self-signed and ephemeral; the hello proof
	// authenticates the session instead.
	tlsCfg := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}

	dctx, dcancel := context.WithTimeout(ctx, dialTimeout)
	defer dcancel()
	conn, err := quic.DialAddr(dctx, cs.Addr, tlsCfg, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial peer %s: %w", cs.Addr, err)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(d.local, strconv.Itoa(ep.Port)))
	if err != nil {
		conn.CloseWithError(0, "local bind failed")
		return nil, fmt.Errorf("bind local port %d: %w", ep.Port, err)
	}

	hctx, cancel := context.WithCancel(context.Background())
	h := &clientHandle{
		cs:     cs,
		tlsCfg: tlsCfg,
		conn:   conn,
		ln:     ln,
		ctx:    hctx,
		cancel: cancel,
		conns:  newTracker(),
		logger: d.logger.WithFields(map[string]any{"kind": "client", "peer": cs.Addr}),
	}

	h.wg.Add(1)
	go h.acceptLoop()

	h.logger.Info("client endpoint bound", "local", ln.Addr().String())
	return h, nil
}

func (h *clientHandle) Addr() string { return h.ln.Addr().String() }

func (h *clientHandle) acceptLoop() {
	defer h.wg.Done()
	for {
		c, err := h.ln.Accept()
		if err != nil {
			return
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.forward(c)
		}()
	}
}

// connection returns the live QUIC connection, redialing once if the peer
// went away.
func (h *clientHandle) connection() (*quic.Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn != nil && h.conn.Context().Err() == nil {
		return h.conn, nil
	}
	ctx, cancel := context.WithTimeout(h.ctx, dialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(ctx, h.cs.Addr, h.tlsCfg, quicConfig())
	if err != nil {
		return nil, err
	}
	h.conn = conn
	return conn, nil
}

func (h *clientHandle) forward(local net.Conn) {
	untrack := h.conns.add(local)
	defer untrack()

	conn, err := h.connection()
	if err != nil {
		h.logger.Warn("peer unreachable", "error", err)
		local.Close()
		return
	}
	stream, err := conn.OpenStreamSync(h.ctx)
	if err != nil {
		h.logger.Warn("open stream failed", "error", err)
		local.Close()
		return
	}

	hi := hello{Version: protocolVersion, Endpoint: endpointID(h.cs.Secret)}
	if ekm, err := exportKey(conn); err == nil {
		hi.Proof = proofFor(h.cs.Secret, ekm)
	}
	if err := writeFrame(stream, hi); err != nil {
		stream.CancelRead(1)
		local.Close()
		return
	}

	stream.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var ack helloAck
	if err := readFrame(stream, &ack); err != nil || !ack.OK {
		if ack.Reason != "" {
			h.logger.Warn("peer rejected stream", "reason", ack.Reason)
		}
		stream.CancelRead(1)
		stream.Close()
		local.Close()
		return
	}
	stream.SetReadDeadline(time.Time{})

	pipe(local, stream)
}

func (h *clientHandle) Close() error {
	h.cancel()
	err := h.ln.Close()
	h.conns.closeAll()

	h.mu.Lock()
	if h.conn != nil {
		h.conn.CloseWithError(0, "endpoint closed")
	}
	h.mu.Unlock()

	h.wg.Wait()
	return err
}

// pipe copies in both directions, half-closing each side as its source
// ends, and returns once both directions are done.
func pipe(c net.Conn, s *quic.Stream) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(s, c)
		s.Close()
		done <- struct{}{}
	}()
	go func() {
		io.Copy(c, s)
		if hc, ok := c.(interface{ CloseWrite() error }); ok {
			hc.CloseWrite()
		}
		done <- struct{}{}
	}()
	<-done
	<-done
	c.Close()
	s.CancelRead(0)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// tracker closes everything still registered when the handle shuts down.
type tracker struct {
	mu     sync.Mutex
	next   int
	items  map[int]io.Closer
	closed bool
}

func newTracker() *tracker {
	return &tracker{items: make(map[int]io.Closer)}
}

func (t *tracker) add(c io.Closer) (remove func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		c.Close()
		return func() {}
	}
	id := t.next
	t.next++
	t.items[id] = c
	return func() {
		t.mu.Lock()
		delete(t.items, id)
		t.mu.Unlock()
	}
}

func (t *tracker) closeAll() {
	t.mu.Lock()
	items := t.items
	t.items = map[int]io.Closer{}
	t.closed = true
	t.mu.Unlock()

	for _, c := range items {
		c.Close()
	}
}
