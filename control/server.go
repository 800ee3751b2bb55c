package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
)

// DefaultAddr is the default REP endpoint
const DefaultAddr = "tcp://127.0.0.1:5555"

// Server answers requests on a ZeroMQ REP socket, one at a time
type Server struct {
	// Addr is the endpoint to bind, e.g. tcp://127.0.0.1:5555
	Addr string

	// Handler executes commands
	Handler Handler

	// PollInterval bounds how long the loop waits before rechecking ctx
	PollInterval time.Duration

	// BindTimeout bounds retries of the bind, which can fail briefly
	// while a previous process's port is released
	BindTimeout time.Duration

	log zerolog.Logger

	mu       sync.Mutex
	endpoint string
	bound    chan struct{}
}

// NewServer returns a server with default timings
func NewServer(addr string, h Handler, log zerolog.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		Addr:         addr,
		Handler:      h,
		PollInterval: 100 * time.Millisecond,
		BindTimeout:  3 * time.Second,
		log:          log.With().Str("component", "control").Logger(),
		bound:        make(chan struct{}),
	}
}

// Bound is closed once the socket is bound
func (s *Server) Bound() <-chan struct{} {
	return s.bound
}

// Endpoint returns the bound endpoint, which resolves wildcard ports
func (s *Server) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

func (s *Server) bind(ctx context.Context, sock *zmq4.Socket) error {
	op := func() error {
		err := sock.Bind(s.Addr)
		if err != nil {
			s.log.Debug().Err(err).Str("addr", s.Addr).Msg("bind failed, retrying")
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         500 * time.Millisecond,
		MaxElapsedTime:      s.BindTimeout,
		Clock:               backoff.SystemClock}, ctx))
}

// ListenAndServe binds the socket and answers requests until ctx is done.
// A request being handled when ctx ends is finished and answered first;
// its handler context does not inherit ctx's cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	zctx, err := zmq4.NewContext()
	if err != nil {
		return err
	}
	defer zctx.Term()
	sock, err := zctx.NewSocket(zmq4.REP)
	if err != nil {
		return err
	}
	defer sock.Close()
	if err = sock.SetLinger(0); err != nil {
		return err
	}
	if err = s.bind(ctx, sock); err != nil {
		return err
	}
	ep, err := sock.GetLastEndpoint()
	if err != nil {
		ep = s.Addr
	}
	s.mu.Lock()
	s.endpoint = ep
	s.mu.Unlock()
	close(s.bound)
	s.log.Info().Str("addr", ep).Msg("control server listening")

	poller := zmq4.NewPoller()
	poller.Add(sock, zmq4.POLLIN)
	reqCtx := context.WithoutCancel(ctx)
	for ctx.Err() == nil {
		polled, err := poller.Poll(s.PollInterval)
		if err != nil {
			s.log.Warn().Err(err).Msg("poll")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if len(polled) == 0 {
			continue
		}
		raw, err := sock.RecvBytes(0)
		if err != nil {
			s.log.Warn().Err(err).Msg("receive")
			continue
		}
		start := time.Now()
		reply := Serve(reqCtx, s.Handler, raw)
		b, err := json.Marshal(reply)
		if err != nil {
			b, _ = json.Marshal(Failure(err))
		}
		if _, err = sock.SendBytes(b, 0); err != nil {
			s.log.Warn().Err(err).Msg("send reply")
		}
		ev := s.log.Debug()
		if !reply.OK {
			ev = s.log.Info().Str("error", reply.Error)
		}
		ev.Int("bytes", len(raw)).Dur("took", time.Since(start)).Msg("request")
	}
	s.log.Info().Msg("control server stopped")
	return nil
}

// ErrNoReply is returned by Client.Call when the server does not answer in time
var ErrNoReply = errors.New("no reply from control server")

// Client is a REQ socket.  It is not safe for concurrent use.  After a Call
// times out the socket is replaced, so the next Call starts clean.
type Client struct {
	zctx    *zmq4.Context
	sock    *zmq4.Socket
	addr    string
	timeout time.Duration
}

// Dial connects to a control server.  A positive timeout bounds each Call.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	zctx, err := zmq4.NewContext()
	if err != nil {
		return nil, err
	}
	c := &Client{zctx: zctx, addr: addr, timeout: timeout}
	if err = c.connect(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	sock, err := c.zctx.NewSocket(zmq4.REQ)
	if err != nil {
		return err
	}
	if err = sock.SetLinger(0); err == nil && c.timeout > 0 {
		err = sock.SetRcvtimeo(c.timeout)
		if err == nil {
			err = sock.SetSndtimeo(c.timeout)
		}
	}
	if err == nil {
		err = sock.Connect(c.addr)
	}
	if err != nil {
		sock.Close()
		return err
	}
	c.sock = sock
	return nil
}

// reset drops a socket stuck waiting for a reply and connects a new one
func (c *Client) reset() error {
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	return c.connect()
}

// Call sends one request and waits for the reply.  ErrNoReply means the
// server did not answer within the timeout; the late reply, if any, is
// discarded.
func (c *Client) Call(cmd string, args map[string]interface{}) (Reply, error) {
	var reply Reply
	if c.sock == nil {
		if err := c.connect(); err != nil {
			return reply, err
		}
	}
	b, err := json.Marshal(Request{Cmd: cmd, Args: args})
	if err != nil {
		return reply, err
	}
	if _, err = c.sock.SendBytes(b, 0); err != nil {
		if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
			err = ErrNoReply
		}
		if rerr := c.reset(); rerr != nil {
			return reply, errors.Join(err, rerr)
		}
		return reply, err
	}
	raw, err := c.sock.RecvBytes(0)
	if err != nil {
		if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
			err = ErrNoReply
		}
		if rerr := c.reset(); rerr != nil {
			return reply, errors.Join(err, rerr)
		}
		return reply, err
	}
	err = json.Unmarshal(raw, &reply)
	return reply, err
}

// Close releases the socket
func (c *Client) Close() error {
	var err error
	if c.sock != nil {
		err = c.sock.Close()
		c.sock = nil
	}
	c.zctx.Term()
	return err
}
