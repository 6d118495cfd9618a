package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

type EventKind string

const (
	EventUpdate EventKind = "update"
	EventEdit   EventKind = "status.update"
	EventDelete EventKind = "delete"
)

// Event is a streaming notification that the account's statuses changed.
type Event struct {
	Kind     EventKind
	StatusID string
}

type StreamOptions struct {
	InstanceURL string
	AccountID   string
	AccessToken string
	// ReconnectDelay is the pause between a dropped connection and the next
	// dial.
	ReconnectDelay time.Duration
	Logger         *slog.Logger
}

// Stream listens on the instance's user stream and reports events that
// concern the mirrored account.
type Stream struct {
	streamURL      string
	accountID      string
	token          string
	reconnectDelay time.Duration
	logger         *slog.Logger
}

type streamMessage struct {
	Event   string   `json:"event"`
	Stream  []string `json:"stream"`
	Payload string   `json:"payload"`
}

func NewStream(opts StreamOptions) (*Stream, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.InstanceURL), "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("%w: instance url %q", ErrInvalidOptions, opts.InstanceURL)
	}
	switch base.Scheme {
	case "https":
		base.Scheme = "wss"
	case "http":
		base.Scheme = "ws"
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/api/v1/streaming"
	q := url.Values{}
	q.Set("stream", "user")
	base.RawQuery = q.Encode()

	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Stream{
		streamURL:      base.String(),
		accountID:      strings.TrimSpace(opts.AccountID),
		token:          strings.TrimSpace(opts.AccessToken),
		reconnectDelay: delay,
		logger:         logger,
	}, nil
}

// Run delivers events until ctx is cancelled, reconnecting after errors.
func (s *Stream) Run(ctx context.Context, events chan<- Event) error {
	for {
		if err := s.listen(ctx, events); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("stream connection lost, reconnecting", "error", err, "delay", s.reconnectDelay.String())
		}
		if err := waitWithContext(ctx, s.reconnectDelay); err != nil {
			return err
		}
	}
}

func (s *Stream) listen(ctx context.Context, events chan<- Event) error {
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}
	conn, _, err := websocket.Dial(ctx, s.streamURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(4 << 20)
	s.logger.Info("stream connected", "url", s.streamURL)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		event, ok, err := s.parseMessage(data)
		if err != nil {
			s.logger.Warn("ignoring malformed stream message", "error", err)
			continue
		}
		if !ok {
			continue
		}
		select {
		case events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// parseMessage keeps updates and edits authored by the mirrored account.
// Deletes carry only the status id, so every delete is reported.
func (s *Stream) parseMessage(data []byte) (Event, bool, error) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, false, err
	}
	kind := EventKind(msg.Event)
	switch kind {
	case EventDelete:
		id := strings.TrimSpace(msg.Payload)
		if !IsValidID(id) {
			return Event{}, false, fmt.Errorf("delete payload %q is not a status id", msg.Payload)
		}
		return Event{Kind: kind, StatusID: id}, true, nil
	case EventUpdate, EventEdit:
		var status wireStatus
		if err := json.Unmarshal([]byte(msg.Payload), &status); err != nil {
			return Event{}, false, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		if s.accountID != "" && status.Account.ID != s.accountID {
			return Event{}, false, nil
		}
		return Event{Kind: kind, StatusID: status.ID}, true, nil
	default:
		return Event{}, false, nil
	}
}
