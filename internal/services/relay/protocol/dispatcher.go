package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/benbjohnson/clock"
	apperrors "github.com/louisbranch/chatrelay/internal/platform/errors"
	"github.com/louisbranch/chatrelay/internal/platform/logging"
	platformotel "github.com/louisbranch/chatrelay/internal/platform/otel"
	"github.com/louisbranch/chatrelay/internal/platform/timeouts"
	"github.com/louisbranch/chatrelay/internal/services/relay/domain"
	"github.com/louisbranch/chatrelay/internal/services/relay/registry"
	"github.com/louisbranch/chatrelay/internal/services/relay/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxFrameBytes caps one inbound frame.
	DefaultMaxFrameBytes = 16 * 1024

	defaultFramesPerSecond = 20
	defaultBurst           = 40
)

// ErrFrameTooLarge is returned by a Receiver that dropped an oversized frame.
// The connection stays usable.
var ErrFrameTooLarge = errors.New("protocol: frame too large")

// connState is the per-connection state machine: active loops on every
// frame until logout or disconnect moves it to closed.
type connState int

const (
	stateActive connState = iota
	stateClosed
)

// Receiver reads whole text frames from one connection.
type Receiver interface {
	Receive() (string, error)
	Close() error
}

// Accounts creates accounts for the auth endpoint.
type Accounts interface {
	SignUp(ctx context.Context, name, email, password string) (domain.AuthResult, error)
}

// Reactions toggles reaction membership.
type Reactions interface {
	SetReaction(ctx context.Context, user domain.User, messageID, symbol string, enable bool) (domain.Message, error)
}

// Sessions delivers direct replies and ends sessions.
type Sessions interface {
	Send(ctx context.Context, s *registry.Session, frame []byte) error
	Unregister(s *registry.Session)
}

// Options tunes a Dispatcher.
type Options struct {
	MaxFrameBytes   int
	FramesPerSecond float64
	Burst           int
	Clock           clock.Clock
	Logger          *zap.Logger
	Metrics         *Metrics
	Tracer          trace.Tracer
}

// Dispatcher routes decoded frames to endpoint handlers.
type Dispatcher struct {
	accounts  Accounts
	store     store.Store
	reactions Reactions
	sessions  Sessions

	maxFrameBytes int
	limit         rate.Limit
	burst         int
	clock         clock.Clock
	logger        *zap.Logger
	metrics       *Metrics
	tracer        trace.Tracer
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(accounts Accounts, st store.Store, reactions Reactions, sessions Sessions, opts Options) *Dispatcher {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if opts.FramesPerSecond <= 0 {
		opts.FramesPerSecond = defaultFramesPerSecond
	}
	if opts.Burst <= 0 {
		opts.Burst = defaultBurst
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Tracer == nil {
		opts.Tracer = platformotel.Tracer("github.com/louisbranch/chatrelay/internal/services/relay/protocol")
	}
	return &Dispatcher{
		accounts:      accounts,
		store:         st,
		reactions:     reactions,
		sessions:      sessions,
		maxFrameBytes: opts.MaxFrameBytes,
		limit:         rate.Limit(opts.FramesPerSecond),
		burst:         opts.Burst,
		clock:         opts.Clock,
		logger:        logging.OrNop(opts.Logger).Named("protocol"),
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
	}
}

// MaxFrameBytes reports the configured frame cap so transports can enforce
// it while reading.
func (d *Dispatcher) MaxFrameBytes() int {
	return d.maxFrameBytes
}

// Serve processes frames from conn one at a time until the client logs out,
// the connection closes or ctx ends. Replies are queued on s so they keep
// their order relative to broadcasts. A clean close returns nil.
func (d *Dispatcher) Serve(ctx context.Context, conn Receiver, s *registry.Session) error {
	limiter := rate.NewLimiter(d.limit, d.burst)
	state := stateActive
	for state == stateActive {
		frame, err := conn.Receive()
		switch {
		case errors.Is(err, ErrFrameTooLarge):
			d.metrics.frame("", statusError)
			if err := d.reply(ctx, s, domain.Failure(fmt.Sprintf("frame exceeds %d bytes", d.maxFrameBytes))); err != nil {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			select {
			case <-s.Done():
				return nil
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("receive frame: %w", err)
		}

		if len(frame) > d.maxFrameBytes {
			d.metrics.frame("", statusError)
			if err := d.reply(ctx, s, domain.Failure(fmt.Sprintf("frame exceeds %d bytes", d.maxFrameBytes))); err != nil {
				return nil
			}
			continue
		}
		if !limiter.AllowN(d.clock.Now(), 1) {
			d.metrics.frame("", statusError)
			d.logger.Debug("frame rate limited", zap.String("user_id", s.User().ID))
			if err := d.reply(ctx, s, domain.Failure("rate limit exceeded")); err != nil {
				return nil
			}
			continue
		}

		next, err := d.handle(ctx, s, frame)
		if err != nil {
			// The session is gone; nothing more can be delivered.
			return nil
		}
		if next == stateClosed {
			d.sessions.Unregister(s)
			if err := conn.Close(); err != nil {
				d.logger.Debug("close after logout", zap.Error(err))
			}
		}
		state = next
	}
	return nil
}

// handle runs one frame and queues its reply. The returned error is only
// set when the reply could not be queued.
func (d *Dispatcher) handle(ctx context.Context, s *registry.Session, frame string) (connState, error) {
	ctx, span := d.tracer.Start(ctx, "relay.frame")
	defer span.End()
	start := d.clock.Now()

	req, err := Decode(frame)
	if err != nil {
		return stateActive, d.fail(ctx, span, s, "", err)
	}
	span.SetAttributes(attribute.String("relay.endpoint", string(req.Endpoint)))

	res, err := handlers[req.Endpoint](ctx, d, s, req.Payload)
	if err != nil {
		return stateActive, d.fail(ctx, span, s, req.Endpoint, err)
	}
	d.metrics.frame(req.Endpoint, statusSuccess)
	d.logger.Debug("frame handled",
		zap.String("endpoint", string(req.Endpoint)),
		zap.String("user_id", s.User().ID),
		zap.Duration("elapsed", d.clock.Since(start)),
	)
	if err := d.reply(ctx, s, domain.Success(res.data)); err != nil {
		return stateClosed, err
	}
	return res.next, nil
}

func (d *Dispatcher) fail(ctx context.Context, span trace.Span, s *registry.Session, endpoint Endpoint, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	d.metrics.frame(endpoint, statusError)

	code := apperrors.CodeOf(err)
	message := apperrors.MessageOf(err)
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		message = "request cancelled"
	case code == apperrors.CodeUnknown:
		d.logger.Error("frame failed", zap.String("endpoint", string(endpoint)), zap.Error(err))
		message = "internal error"
	default:
		d.logger.Debug("frame rejected",
			zap.String("endpoint", string(endpoint)),
			zap.String("code", string(code)),
			zap.Error(err),
		)
	}
	return d.reply(ctx, s, domain.Failure(message))
}

func (d *Dispatcher) reply(ctx context.Context, s *registry.Session, resp domain.Response) error {
	frame, err := resp.Encode()
	if err != nil {
		d.logger.Error("encode reply", zap.Error(err))
		frame, _ = domain.Failure("internal error").Encode()
	}
	// Replies outlive a cancelled request context.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.SessionReply)
	defer cancel()
	return d.sessions.Send(sendCtx, s, frame)
}
