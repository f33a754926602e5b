// Package broker routes callbacks between modules.
//
// A callback is a message a module sends on its control socket of the form
// <target>|<PCOMM>|<payload>. The broker forwards PCOMM|payload to the
// target module when the target is registered and supports PCOMM, and
// drops the message otherwise. Dropped messages are logged and counted;
// they never stop the broker.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/specialistvlad/controlroom/internal/controlsocket"
	"github.com/specialistvlad/controlroom/internal/feed"
	"github.com/specialistvlad/controlroom/internal/metrics"
	"github.com/specialistvlad/controlroom/internal/module"
	"github.com/specialistvlad/controlroom/internal/registry"
	"github.com/specialistvlad/controlroom/internal/wire"
)

// ErrUnknownTarget reports a callback addressed to an unregistered module.
var ErrUnknownTarget = errors.New("callback target not registered")

// UnregisteredTarget is the metrics label for callbacks whose target is
// not a registered module, so module input cannot create label values.
const UnregisteredTarget = "unregistered"

// DefaultReceiveWait is how long a reader stays parked before it checks
// for cancellation.
const DefaultReceiveWait = 100 * time.Millisecond

// Outcome classifies what happened to one inbound message.
type Outcome int

const (
	// Idle means nothing was read.
	Idle Outcome = iota
	Forwarded
	Framing
	UnknownTarget
	Unsupported
	BadPayload
	SendFailed
)

func (o Outcome) String() string {
	switch o {
	case Idle:
		return "idle"
	case Forwarded:
		return "forwarded"
	case Framing:
		return "framing"
	case UnknownTarget:
		return "unknown_target"
	case Unsupported:
		return "unsupported"
	case BadPayload:
		return "bad_payload"
	case SendFailed:
		return "send_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the routing record of one message.
type Result struct {
	ID       string
	Source   string
	Envelope wire.Envelope
	// Sent is the command written to the target, set when Forwarded.
	Sent    string
	Outcome Outcome
	Err     error
}

// Broker routes callbacks among the connections of a registry.
type Broker struct {
	reg         *registry.Registry
	metrics     *metrics.Metrics
	feed        feed.Publisher
	logger      *slog.Logger
	receiveWait time.Duration
	newID       func() string
}

// Option configures a Broker.
type Option func(*Broker)

func WithMetrics(m *metrics.Metrics) Option { return func(b *Broker) { b.metrics = m } }

func WithFeed(p feed.Publisher) Option { return func(b *Broker) { b.feed = p } }

func WithLogger(l *slog.Logger) Option { return func(b *Broker) { b.logger = l } }

// WithReceiveWait bounds how long Run takes to notice cancellation.
func WithReceiveWait(d time.Duration) Option { return func(b *Broker) { b.receiveWait = d } }

// New creates a Broker over reg.
func New(reg *registry.Registry, opts ...Option) *Broker {
	b := &Broker{
		reg:         reg,
		feed:        feed.Nop{},
		logger:      slog.Default(),
		receiveWait: DefaultReceiveWait,
		newID:       func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "broker")
	return b
}

type inbound struct {
	source string
	raw    []byte
}

// Run routes callbacks until ctx is done. Every connection gets a reader
// goroutine parked on its socket; a single router handles what they read,
// so routing is serialized. The set of connections is taken when Run
// starts.
func (b *Broker) Run(ctx context.Context) error {
	conns := b.reg.Connections()
	b.logger.Info("Broker started.", "modules", len(conns))

	msgs := make(chan inbound)
	var readers sync.WaitGroup
	for _, c := range conns {
		readers.Add(1)
		go func() {
			defer readers.Done()
			b.read(ctx, c, msgs)
		}()
	}

	routed := make(chan struct{})
	go func() {
		defer close(routed)
		for in := range msgs {
			b.Route(ctx, in.source, in.raw)
		}
	}()

	readers.Wait()
	close(msgs)
	<-routed
	b.logger.Info("Broker stopped.")
	return ctx.Err()
}

func (b *Broker) read(ctx context.Context, c *module.Connection, msgs chan<- inbound) {
	logger := b.logger.With("module", c.Name())
	for ctx.Err() == nil {
		raw, err := c.Receive(b.receiveWait)
		if len(raw) > 0 {
			select {
			case msgs <- inbound{source: c.Name(), raw: raw}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if errors.Is(err, module.ErrNotConnected) || controlsocket.IsPeerGone(err) {
				logger.Debug("Reader stopped, module not connected.", "error", err)
			} else {
				logger.Error("Reader stopped on read error.", "error", err)
			}
			return
		}
		if c.PeerClosed() {
			logger.Info("Module closed its control socket.")
			return
		}
	}
}

// PollOne drains c once and routes what it read. It is one step of the
// round-robin scan.
func (b *Broker) PollOne(ctx context.Context, c *module.Connection) Result {
	raw, err := c.Poll()
	if len(raw) == 0 {
		if err != nil && !errors.Is(err, module.ErrNotConnected) {
			b.logger.Debug("Poll failed.", "module", c.Name(), "error", err)
		}
		return Result{Source: c.Name(), Outcome: Idle, Err: err}
	}
	return b.Route(ctx, c.Name(), raw)
}

// Scan polls every registered connection once, in registration order,
// and returns the results of those that had something to read.
func (b *Broker) Scan(ctx context.Context) []Result {
	var out []Result
	for _, c := range b.reg.Connections() {
		if r := b.PollOne(ctx, c); r.Outcome != Idle {
			out = append(out, r)
		}
	}
	return out
}

// Route validates a raw callback from source and forwards it. Checks are
// applied in order: framing, target, command support, payload transcoding
// for AO targets, send.
func (b *Broker) Route(ctx context.Context, source string, raw []byte) Result {
	start := time.Now()
	res := Result{ID: b.newID(), Source: source}
	logger := b.logger.With("callback_id", res.ID, "source", source)

	b.route(&res, raw)

	switch res.Outcome {
	case Forwarded:
		logger.Debug("Forwarded callback.", "target", res.Envelope.Target, "cmd", res.Sent)
	case Framing:
		logger.Error("Dropped callback, expected <target_module_name>|<PCOMM>|<payload>.", "error", res.Err)
	default:
		logger.Error("Dropped callback.", "outcome", res.Outcome, "target", res.Envelope.Target, "pcomm", res.Envelope.Command, "error", res.Err)
	}

	b.metrics.Callback(metricTarget(res), res.Outcome.String(), time.Since(start).Seconds())
	b.feed.Callback(feed.CallbackEvent{
		ID:      res.ID,
		Source:  source,
		Target:  res.Envelope.Target,
		Command: res.Envelope.Command,
		Payload: res.Envelope.Payload,
		Outcome: res.Outcome.String(),
		Time:    start,
	})
	return res
}

func metricTarget(res Result) string {
	switch res.Outcome {
	case Framing, UnknownTarget:
		return UnregisteredTarget
	default:
		return res.Envelope.Target
	}
}

func (b *Broker) route(res *Result, raw []byte) {
	env, err := wire.ParseEnvelope(raw)
	if err != nil {
		res.Outcome, res.Err = Framing, err
		return
	}
	res.Envelope = env

	target, err := b.reg.Lookup(env.Target)
	if err != nil {
		res.Outcome, res.Err = UnknownTarget, fmt.Errorf("%w: %w", ErrUnknownTarget, err)
		return
	}
	if !target.Supports(env.Command) {
		res.Outcome, res.Err = Unsupported, fmt.Errorf("%w: %s does not support %q", module.ErrUnsupportedCommand, env.Target, env.Command)
		return
	}

	payload := env.Payload
	if wire.IsAOModule(target.Name()) {
		out, ok, err := wire.JSONToPipeList(payload)
		if err != nil {
			res.Outcome, res.Err = BadPayload, err
			return
		}
		payload = ""
		if ok {
			payload = out
		}
	}

	cmd := wire.EncodeCommand(env.Command, payload)
	if err := target.Forward([]byte(cmd)); err != nil {
		res.Outcome, res.Err = SendFailed, err
		return
	}
	res.Outcome, res.Sent = Forwarded, cmd
}
