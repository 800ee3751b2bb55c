/*Package bridge hands commands from any goroutine to the single goroutine
that owns session state, and hands the result back.

Dispatch is single-flight: a Submit waits for the previous command to
complete before its own is handed over, so the owner never sees two
commands at once and a slow capture simply queues the next request.
Submitters never hold a lock the owner needs; the owner only ever blocks on
its own work.

The lifecycle of a command is Submitted, Dispatched, then Completed or
Failed.  The owner either calls Serve, or selects on Next alongside its own
timers and calls Dispatch.
*/
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned for commands submitted after Close
	ErrClosed = errors.New("command bridge closed")

	// ErrCommandTimeout is wrapped in results of commands which exceeded the bridge timeout
	ErrCommandTimeout = errors.New("command timed out")
)

// Result is the outcome of one command
type Result struct {
	// Value holds the fields of a successful reply
	Value map[string]interface{}

	// Err is nil on success
	Err error
}

// OK is true if the command succeeded
func (r Result) OK() bool {
	return r.Err == nil
}

// Command is one request for the owner
type Command struct {
	ID   uuid.UUID
	Name string
	Args map[string]interface{}

	submitted time.Time
	reply     chan Result
	abort     chan struct{}
	abortOnce sync.Once
}

// cancel asks the owner to stop working on cmd.  It may be called before the
// owner has picked the command up.
func (c *Command) cancel() {
	c.abortOnce.Do(func() { close(c.abort) })
}

// Executor runs commands on the owner goroutine.  ctx is cancelled by
// CancelInFlight, the bridge timeout, a departed submitter, or the owner
// stopping.
type Executor interface {
	Execute(ctx context.Context, cmd *Command) (map[string]interface{}, error)
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, cmd *Command) (map[string]interface{}, error)

// Execute calls f
func (f ExecutorFunc) Execute(ctx context.Context, cmd *Command) (map[string]interface{}, error) {
	return f(ctx, cmd)
}

// Bridge is the cross goroutine command channel
type Bridge struct {
	sem     chan struct{}
	cmds    chan *Command
	done    chan struct{}
	once    sync.Once
	timeout time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	name   string
}

// New returns a bridge.  A positive timeout bounds how long a submitter
// waits for completion; on expiry the command's context is cancelled and
// the submitter still waits for the owner to acknowledge.
func New(timeout time.Duration, log zerolog.Logger) *Bridge {
	return &Bridge{
		sem:     make(chan struct{}, 1),
		cmds:    make(chan *Command),
		done:    make(chan struct{}),
		timeout: timeout,
		log:     log.With().Str("component", "bridge").Logger(),
	}
}

// Submit sends a command to the owner and blocks until it completes, ctx is
// done before dispatch, or the bridge is closed.  If ctx ends after dispatch
// the command is cancelled and Submit returns once the owner has finished.
func (b *Bridge) Submit(ctx context.Context, name string, args map[string]interface{}) Result {
	select {
	case <-b.done:
		return Result{Err: ErrClosed}
	default:
	}
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	case <-b.done:
		return Result{Err: ErrClosed}
	}
	defer func() { <-b.sem }()
	select {
	case <-b.done:
		return Result{Err: ErrClosed}
	default:
	}

	cmd := &Command{
		ID:        uuid.New(),
		Name:      name,
		Args:      args,
		submitted: time.Now(),
		reply:     make(chan Result, 1),
		abort:     make(chan struct{}),
	}
	b.log.Debug().Str("cmd", name).Str("id", cmd.ID.String()).Msg("submitted")
	select {
	case b.cmds <- cmd:
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	case <-b.done:
		return Result{Err: ErrClosed}
	}

	var expired <-chan time.Time
	if b.timeout > 0 {
		t := time.NewTimer(b.timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case r := <-cmd.reply:
		return r
	case <-expired:
		b.log.Warn().Str("cmd", name).Str("id", cmd.ID.String()).Dur("timeout", b.timeout).Msg("command timed out, cancelling")
		cmd.cancel()
		r := <-cmd.reply
		if r.Err == nil {
			return r
		}
		return Result{Err: fmt.Errorf("%w after %v: %v", ErrCommandTimeout, b.timeout, r.Err)}
	case <-ctx.Done():
		cmd.cancel()
		return <-cmd.reply
	}
}

// Next delivers dispatched commands to the owner
func (b *Bridge) Next() <-chan *Command {
	return b.cmds
}

// Dispatch runs cmd through ex on the calling goroutine, which must be the
// owner, and completes it.  A command picked up after Close fails with
// ErrClosed without running.  A panic in ex fails the command instead of
// killing the owner.
func (b *Bridge) Dispatch(ctx context.Context, cmd *Command, ex Executor) {
	select {
	case <-b.done:
		b.log.Debug().Str("cmd", cmd.Name).Str("id", cmd.ID.String()).Msg("rejected, bridge closed")
		cmd.reply <- Result{Err: ErrClosed}
		return
	default:
	}
	cctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.name = cmd.Name
	b.mu.Unlock()
	go func() {
		select {
		case <-cmd.abort:
			cancel()
		case <-cctx.Done():
		}
	}()

	log := b.log.With().Str("cmd", cmd.Name).Str("id", cmd.ID.String()).Logger()
	log.Debug().Dur("queued", time.Since(cmd.submitted)).Msg("dispatched")
	start := time.Now()
	val, err := execute(cctx, ex, cmd)

	b.mu.Lock()
	b.cancel = nil
	b.name = ""
	b.mu.Unlock()
	cancel()

	if err != nil {
		log.Info().Err(err).Dur("took", time.Since(start)).Msg("failed")
	} else {
		log.Debug().Dur("took", time.Since(start)).Msg("completed")
	}
	if val == nil && err == nil {
		val = map[string]interface{}{}
	}
	cmd.reply <- Result{Value: val, Err: err}
}

func execute(ctx context.Context, ex Executor, cmd *Command) (val map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			val, err = nil, fmt.Errorf("command %s panicked: %v", cmd.Name, r)
		}
	}()
	return ex.Execute(ctx, cmd)
}

// Serve dispatches commands to ex until ctx is done, then closes the bridge
func (b *Bridge) Serve(ctx context.Context, ex Executor) {
	defer b.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-b.cmds:
			b.Dispatch(ctx, cmd, ex)
		}
	}
}

// CancelInFlight cancels the context of the executing command, if any, and
// returns its name
func (b *Bridge) CancelInFlight() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel == nil {
		return ""
	}
	b.cancel()
	return b.name
}

// InFlight returns the name of the executing command, empty if idle
func (b *Bridge) InFlight() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name
}

// Close stops accepting commands.  A command already executing runs to
// completion.  Close is idempotent.
func (b *Bridge) Close() {
	b.once.Do(func() { close(b.done) })
}

// Closed is closed when the bridge stops accepting commands
func (b *Bridge) Closed() <-chan struct{} {
	return b.done
}

// Drain waits until no command is in flight.  If ctx ends first the
// in-flight command is cancelled and Drain still waits for it, returning
// ctx.Err().  It should be called after Close.
func (b *Bridge) Drain(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		<-b.sem
		return nil
	case <-ctx.Done():
	}
	if name := b.CancelInFlight(); name != "" {
		b.log.Warn().Str("cmd", name).Msg("cancelling in-flight command for shutdown")
	}
	b.sem <- struct{}{}
	<-b.sem
	return ctx.Err()
}
