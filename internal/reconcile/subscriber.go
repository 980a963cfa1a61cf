package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/broadline/channelsync/internal/channel"
)

const subscriberBackoffKey = "eventsub"

type SubscriberOptions struct {
	URL     string
	Token   string
	Ingest  func(req channel.PlatformEventRequest) (channel.QueuedResponse, error)
	Backoff *channel.BackoffEngine
	Logger  channel.Logger
}

// Subscriber consumes the platform's websocket event stream and feeds
// each event through the same intake path as webhook delivery. It is a
// supplement to webhooks, not a replacement: dedup by delivery id makes
// double delivery across the two paths harmless.
type Subscriber struct {
	url     string
	token   string
	ingest  func(req channel.PlatformEventRequest) (channel.QueuedResponse, error)
	backoff *channel.BackoffEngine
	logger  channel.Logger
}

func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("subscriber url is required")
	}
	if opts.Ingest == nil {
		return nil, fmt.Errorf("ingest func is required")
	}
	backoff := opts.Backoff
	if backoff == nil {
		backoff = channel.NewBackoffEngine(channel.BackoffConfig{})
	}
	return &Subscriber{
		url:     url,
		token:   strings.TrimSpace(opts.Token),
		ingest:  opts.Ingest,
		backoff: backoff,
		logger:  opts.Logger,
	}, nil
}

// Run connects and reads events until ctx is cancelled, reconnecting
// with backoff after every drop. The subscriber never gives up: once the
// streak exhausts the retry budget it keeps reconnecting at the capped
// delay.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.readStream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		policy := s.backoff.RecordFailure(subscriberBackoffKey)
		s.logf("event stream disconnected (attempt %d): %v", policy.TotalFailures, err)
		if waitErr := waitWithContext(ctx, policy.NextDelay); waitErr != nil {
			return waitErr
		}
	}
}

func (s *Subscriber) readStream(ctx context.Context) error {
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	s.backoff.Reset(subscriberBackoffKey)
	s.logf("event stream connected url=%s", s.url)

	for {
		var req channel.PlatformEventRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return err
		}
		if _, err := s.ingest(req); err != nil {
			switch {
			case errors.Is(err, channel.ErrQueueFull):
				// Intake never blocks on processing; a full queue sheds
				// the event and relies on redelivery.
				s.logf("event stream shed envelope=%s tenant=%s: queue full", req.EnvelopeID, req.TenantID)
				if waitErr := waitWithContext(ctx, 100*time.Millisecond); waitErr != nil {
					return waitErr
				}
			case errors.Is(err, channel.ErrInvalidInput):
				s.logf("event stream rejected envelope=%s: %v", req.EnvelopeID, err)
			default:
				s.logf("event stream ingest envelope=%s error: %v", req.EnvelopeID, err)
			}
		}
	}
}

func (s *Subscriber) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
