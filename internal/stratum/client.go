package stratum

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/avalond/internal/work"
	"github.com/bardlex/avalond/pkg/errors"
	"github.com/bardlex/avalond/pkg/log"
)

// ClientState tracks the connection through the handshake.
type ClientState int

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateSubscribing
	StateAuthorizing
	StateActive
)

// String returns the status string exposed over the API.
func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateAuthorizing:
		return "authorizing"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// PendingSubmit is one share awaiting the pool's verdict.
type PendingSubmit struct {
	ID       uint64
	ModuleID int
	JobID    string
	Nonce    uint32
	SentAt   time.Time
}

// Handler receives the protocol events the orchestrator acts on. All
// callbacks run on the client's read goroutine and must not block.
type Handler interface {
	// HandleJob delivers a parsed mining.notify.
	HandleJob(pool *Pool, job *work.Job)

	// HandleDifficulty delivers a mining.set_difficulty.
	HandleDifficulty(pool *Pool, difficulty float64)

	// HandleShareReply reconciles a submit against the pool's answer.
	HandleShareReply(pool *Pool, submit *PendingSubmit, accepted bool, reason string)

	// HandleDisconnect fires when the session ends for any reason.
	// Work derived from this pool's jobs must be discarded.
	HandleDisconnect(pool *Pool, err error)
}

// ClientConfig tunes the upstream connection.
type ClientConfig struct {
	UserAgent        string
	DialTimeout      time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

// DefaultClientConfig returns production connection tuning. The read
// timeout doubles as a dead-pool detector: a healthy pool refreshes
// work well inside five minutes.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		UserAgent:        "avalond/1.0",
		DialTimeout:      10 * time.Second,
		ReadTimeout:      5 * time.Minute,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 15 * time.Second,
	}
}

// Client drives one upstream pool connection at a time through the
// subscribe/authorize handshake and the mining session that follows.
type Client struct {
	cfg     *ClientConfig
	handler Handler
	logger  *log.Logger

	nextID atomic.Uint64

	mu          sync.RWMutex
	state       ClientState
	pool        *Pool
	conn        net.Conn
	outbound    chan []byte
	done        chan struct{}
	subscribeID uint64
	authorizeID uint64
	pending     map[uint64]*PendingSubmit
}

// NewClient creates a client. Run gives it a pool to talk to.
func NewClient(cfg *ClientConfig, handler Handler, logger *log.Logger) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		logger:  logger.WithComponent("stratum"),
	}
}

// State returns the current connection state.
func (c *Client) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Pool returns the pool the client is currently bound to, nil when
// disconnected.
func (c *Client) Pool() *Pool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pool
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run connects to the pool and services the session until the
// connection drops, the pool misbehaves or ctx is canceled. The
// returned error describes why the session ended; ctx.Err() passes
// through unchanged.
func (c *Client) Run(ctx context.Context, pool *Pool) error {
	logger := c.logger.WithPool(pool.Host, pool.Port)
	c.setState(StateConnecting)

	conn, err := net.DialTimeout("tcp", pool.Addr(), c.cfg.DialTimeout)
	if err != nil {
		c.setState(StateDisconnected)
		wrapped := errors.Wrap(err, errors.ErrorTypeTransport, "dial",
			"failed to connect to pool").
			WithContext("addr", pool.Addr())
		c.handler.HandleDisconnect(pool, wrapped)
		return wrapped
	}
	logger.LogConnection("connected", pool.Addr())

	c.mu.Lock()
	c.pool = pool
	c.conn = conn
	c.outbound = make(chan []byte, 100)
	c.done = make(chan struct{})
	c.pending = make(map[uint64]*PendingSubmit)
	c.state = StateSubscribing
	c.mu.Unlock()

	go c.writeLoop(ctx, conn, logger)

	c.subscribeID = c.nextID.Add(1)
	if err := c.send(NewSubscribe(c.subscribeID, c.cfg.UserAgent)); err != nil {
		c.teardown(pool, err, logger)
		return err
	}

	err = c.readLoop(ctx, conn, pool, logger)
	c.teardown(pool, err, logger)
	return err
}

// Submit queues a share for the currently active session. The caller
// supplies the exact hex fields; the worker name comes from the pool
// credentials.
func (c *Client) Submit(moduleID int, jobID, extranonce2, ntime, nonce string, nonceVal uint32) error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return errors.New(errors.ErrorTypeState, "submit",
			"no active pool session").
			WithContext("state", c.state.String())
	}
	pool := c.pool
	id := c.nextID.Add(1)
	sub := &PendingSubmit{
		ID:       id,
		ModuleID: moduleID,
		JobID:    jobID,
		Nonce:    nonceVal,
		SentAt:   time.Now(),
	}
	c.pending[id] = sub
	c.mu.Unlock()

	msg := NewSubmit(id, pool.Username, jobID, extranonce2, ntime, nonce)
	if err := c.send(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	c.logger.LogShareSubmission(pool.Username, jobID, nonceVal, "submitted")
	return nil
}

// send marshals and queues one message for the write loop.
func (c *Client) send(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "send",
			"failed to marshal message")
	}

	c.mu.RLock()
	outbound, done := c.outbound, c.done
	c.mu.RUnlock()
	if outbound == nil {
		return errors.New(errors.ErrorTypeState, "send", "not connected")
	}

	select {
	case outbound <- data:
		return nil
	case <-done:
		return errors.New(errors.ErrorTypeTransport, "send", "session closed")
	default:
		return errors.New(errors.ErrorTypeResource, "send", "outbound queue full")
	}
}

func (c *Client) writeLoop(ctx context.Context, conn net.Conn, logger *log.Logger) {
	c.mu.RLock()
	outbound, done := c.outbound, c.done
	c.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case data := <-outbound:
			if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				logger.WithError(err).Error("failed to set write deadline")
				return
			}

			data = append(data, '\n')
			if _, err := conn.Write(data); err != nil {
				logger.WithError(err).Error("failed to write message")
				return
			}

			logger.LogStratumMessage("sent", string(data[:len(data)-1]))
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn, pool *Pool, logger *log.Logger) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 16384), 16384)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// The handshake gets a short deadline so a stalled pool fails
		// over quickly
		timeout := c.cfg.ReadTimeout
		if c.State() != StateActive {
			timeout = c.cfg.HandshakeTimeout
		}
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTransport, "read",
				"failed to set read deadline")
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeTransport, "read",
					"pool connection error")
			}
			return errors.New(errors.ErrorTypeTransport, "read",
				"pool closed the connection")
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		logger.LogStratumMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			if c.State() != StateActive {
				// A garbled handshake leaves the session in an unknown
				// state; reconnecting is the only safe recovery
				return errors.Wrap(err, errors.ErrorTypeProtocol, "handshake",
					"unparseable handshake reply")
			}
			logger.WithError(err).Warn("dropping unparseable message")
			continue
		}

		if err := c.dispatch(msg, pool, logger); err != nil {
			return err
		}
	}
}

// dispatch routes one inbound message. A returned error ends the
// session.
func (c *Client) dispatch(msg *Message, pool *Pool, logger *log.Logger) error {
	if msg.IsResponse() {
		return c.handleResponse(msg, pool, logger)
	}

	switch msg.Method {
	case MethodNotify:
		c.handleNotify(msg, pool, logger)

	case MethodSetDifficulty:
		diff, err := ParseSetDifficulty(msg.Params)
		if err != nil {
			logger.WithError(err).Warn("ignoring bad set_difficulty")
			return nil
		}
		pool.SetDifficulty(diff)
		c.handler.HandleDifficulty(pool, diff)

	case MethodSetExtranonce:
		en1, size, err := ParseSetExtranonce(msg.Params)
		if err != nil {
			logger.WithError(err).Warn("ignoring bad set_extranonce")
			return nil
		}
		pool.SetExtranonce(en1, size)
		logger.Info("extranonce reassigned", "extranonce2_size", size)

	case MethodReconnect:
		return errors.New(errors.ErrorTypeTransport, "reconnect",
			"pool requested reconnect")

	case MethodGetVersion:
		if msg.ID != nil {
			if err := c.send(NewResponse(msg.ID, c.cfg.UserAgent)); err != nil {
				logger.WithError(err).Warn("failed to answer get_version")
			}
		}

	default:
		logger.Debug("ignoring unknown method", "method", msg.Method)
	}
	return nil
}

func (c *Client) handleNotify(msg *Message, pool *Pool, logger *log.Logger) {
	job, err := work.ParseNotify(pool.ID, pool.Extranonce1(), pool.Extranonce2Size(), msg.Params)
	if err != nil {
		// The previously delivered job stays current
		logger.WithError(err).Warn("rejecting malformed notify")
		return
	}

	pool.TouchJob()
	logger.LogJobReceived(job.ID, len(job.MerkleBranches), job.CleanJobs)
	c.handler.HandleJob(pool, job)
}

func (c *Client) handleResponse(msg *Message, pool *Pool, logger *log.Logger) error {
	id, ok := msg.ResponseID()
	if !ok {
		logger.Warn("response with unusable id", "id", msg.ID)
		return nil
	}

	switch id {
	case c.subscribeID:
		return c.handleSubscribeReply(msg, pool, logger)
	case c.authorizeID:
		return c.handleAuthorizeReply(msg, pool, logger)
	}

	c.mu.Lock()
	sub, found := c.pending[id]
	if found {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !found {
		logger.Debug("response to unknown request", "id", id)
		return nil
	}

	accepted := msg.Error == nil && msg.BoolResult()
	reason := ""
	if msg.Error != nil {
		reason = msg.Error.Message
	}

	pool.RecordShare(accepted)
	status := "accepted"
	if !accepted {
		status = "rejected"
	}
	logger.LogShareSubmission(pool.Username, sub.JobID, sub.Nonce, status)
	c.handler.HandleShareReply(pool, sub, accepted, reason)
	return nil
}

func (c *Client) handleSubscribeReply(msg *Message, pool *Pool, logger *log.Logger) error {
	if msg.Error != nil {
		return errors.New(errors.ErrorTypeProtocol, "subscribe",
			"pool refused subscription").
			WithContext("code", msg.Error.Code).
			WithContext("message", msg.Error.Message)
	}

	result, err := ParseSubscribeResult(msg.Result)
	if err != nil {
		return err
	}

	pool.SetExtranonce(result.Extranonce1, result.Extranonce2Size)
	c.setState(StateAuthorizing)
	logger.Info("subscribed", "extranonce2_size", result.Extranonce2Size)

	c.authorizeID = c.nextID.Add(1)
	return c.send(NewAuthorize(c.authorizeID, pool.Username, pool.Password))
}

func (c *Client) handleAuthorizeReply(msg *Message, pool *Pool, logger *log.Logger) error {
	if msg.Error != nil || !msg.BoolResult() {
		reason := "pool refused worker credentials"
		if msg.Error != nil {
			reason = msg.Error.Message
		}
		return errors.New(errors.ErrorTypeProtocol, "authorize", reason).
			WithContext("worker", pool.Username)
	}

	c.setState(StateActive)
	logger.Info("worker authorized", "worker", pool.Username)
	return nil
}

// teardown closes the session and resets the client to Disconnected.
func (c *Client) teardown(pool *Pool, err error, logger *log.Logger) {
	c.mu.Lock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	conn := c.conn
	c.conn = nil
	c.pool = nil
	c.pending = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		if cerr := conn.Close(); cerr != nil {
			logger.WithError(cerr).Debug("connection close")
		}
		logger.LogConnection("disconnected", pool.Addr())
	}

	c.handler.HandleDisconnect(pool, err)
}
