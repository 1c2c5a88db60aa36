// Package transport provides a TCP acceptor for the libhttp core built on
// the gnet event loop. Incoming bytes are bridged into a blocking stream
// consumed by a per-connection worker, which sniffs the HTTP/2 preface and
// drives either protocol engine.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/panjf2000/gnet/v2"

	"github.com/avakar/libhttp/internal/h2/frame"
	"github.com/avakar/libhttp/pkg/libhttp"
)

// Config defines the acceptor options.
type Config struct {
	Addr         string
	Multicore    bool
	NumEventLoop int
	ReusePort    bool
	Logger       *log.Logger
	// Workers bounds the number of concurrently served connections.
	Workers int
	// EnableH1 and EnableH2 select the spoken protocols; with both
	// enabled the connection is sniffed for the HTTP/2 preface.
	EnableH1 bool
	EnableH2 bool
}

// Validate normalises the configuration.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Workers <= 0 {
		c.Workers = 4096
	}
	if !c.EnableH1 && !c.EnableH2 {
		c.EnableH1 = true
		c.EnableH2 = true
	}
	return nil
}

// Server implements gnet.EventHandler, accepting connections and serving
// them with the libhttp core.
type Server struct {
	gnet.BuiltinEventEngine
	handler libhttp.Handler
	config  Config
	logger  *log.Logger
	pool    *ants.Pool
	engine  gnet.Engine
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewServer creates an acceptor for handler.
func NewServer(handler libhttp.Handler, config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(config.Workers)
	if err != nil {
		return nil, fmt.Errorf("transport: creating worker pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler: handler,
		config:  config,
		logger:  config.Logger,
		pool:    pool,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start runs the accept loop; it blocks until the engine stops.
func (s *Server) Start() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.config.Multicore),
		gnet.WithReusePort(s.config.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
	}
	if s.config.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.config.NumEventLoop))
	}

	s.logger.Printf("listening on %s (h1=%v h2=%v)", s.config.Addr, s.config.EnableH1, s.config.EnableH2)
	return gnet.Run(s, "tcp://"+s.config.Addr, options...)
}

// Stop shuts the acceptor down, waiting for the engine within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	stopCtx, stopCancel := context.WithTimeout(ctx, 2*time.Second)
	defer stopCancel()
	err := s.engine.Stop(stopCtx)

	s.pool.Release()
	return err
}

// OnBoot is called when the engine is ready to accept connections.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	return gnet.None
}

// conn carries the per-connection bridge state.
type conn struct {
	in *byteQueue
	gc gnet.Conn
}

// OnOpen hands the new connection to a worker running the blocking core.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	bc := &conn{in: newByteQueue(), gc: c}
	c.SetContext(bc)

	if err := s.pool.Submit(func() { s.serveConn(bc) }); err != nil {
		s.logger.Printf("rejecting connection from %s: %v", c.RemoteAddr(), err)
		return nil, gnet.Close
	}
	return nil, gnet.None
}

// OnTraffic feeds received bytes into the connection's queue.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	bc, ok := c.Context().(*conn)
	if !ok {
		return gnet.Close
	}
	buf, err := c.Next(-1)
	if err != nil {
		return gnet.Close
	}
	if _, err := bc.in.Write(buf); err != nil {
		return gnet.Close
	}
	return gnet.None
}

// OnClose ends the inbound stream so the worker unwinds.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	if bc, ok := c.Context().(*conn); ok {
		bc.in.CloseWithError(nil)
	}
	return gnet.None
}

// serveConn runs on a pool worker: it sniffs the protocol, then drives the
// matching engine until the connection ends.
func (s *Server) serveConn(bc *conn) {
	defer func() { _ = bc.gc.Close() }()

	src := bufio.NewReader(bc.in)
	sink := &connWriter{gc: bc.gc}

	h2, err := s.selectProtocol(src)
	if err != nil {
		if err != io.EOF {
			s.logger.Printf("sniffing %s: %v", bc.gc.RemoteAddr(), err)
		}
		return
	}

	if h2 {
		err = libhttp.ServeH2(src, sink, s.handler)
	} else {
		err = libhttp.Serve(src, sink, s.handler)
	}
	if err != nil && s.ctx.Err() == nil {
		s.logger.Printf("serving %s: %v", bc.gc.RemoteAddr(), err)
	}
}

// selectProtocol peeks at the stream: a leading HTTP/2 client preface
// selects the h2 engine. The comparison is incremental so short HTTP/1.1
// requests are not blocked on.
func (s *Server) selectProtocol(src *bufio.Reader) (bool, error) {
	if !s.config.EnableH2 {
		return false, nil
	}
	if !s.config.EnableH1 {
		return true, nil
	}

	for n := 1; n <= len(frame.Preface); n++ {
		peeked, err := src.Peek(n)
		if err != nil {
			return false, err
		}
		if string(peeked) != frame.Preface[:n] {
			return false, nil
		}
	}
	return true, nil
}

// connWriter adapts gnet's asynchronous write API to the core's blocking
// sink. gnet accepts AsyncWrite from off-loop goroutines; the buffer is
// copied because the caller may reuse it immediately.
type connWriter struct {
	gc gnet.Conn
}

func (w *connWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	if err := w.gc.AsyncWrite(buf, nil); err != nil {
		return 0, err
	}
	return len(p), nil
}
