// ABOUTME: NATS transport for the feed control plane
// ABOUTME: Queue-group subscriber that decodes commands, applies them, and replies

package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/hikmaai-io/hikmaai-tif/internal/observability"
)

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	URL     string
	Subject string

	// QueueGroup makes each command land on exactly one manager.
	QueueGroup string

	// Name identifies the connection in server monitoring.
	Name string

	// MaxReconnects of -1 retries forever.
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns the default control plane settings.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Subject:       "tif.feeds.control",
		QueueGroup:    "tif-managers",
		Name:          "hikmaai-tif",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Client consumes feed commands from NATS.
type Client struct {
	cfg     NATSConfig
	handler *Handler
	logger  *slog.Logger

	conn *nats.Conn
	sub  *nats.Subscription
}

// NewClient returns an unconnected client.
func NewClient(cfg NATSConfig, handler *Handler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, handler: handler, logger: logger.With(slog.String("component", "control"))}
}

// Connect dials the server. Reconnects are handled by the NATS client.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := nats.Connect(c.cfg.URL,
		nats.Name(c.cfg.Name),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("control connection lost", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("control connection restored", slog.String("url", observability.RedactURL(nc.ConnectedUrl())))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			attrs := []any{slog.Any("error", err)}
			if sub != nil {
				attrs = append(attrs, slog.String("subject", sub.Subject))
			}
			c.logger.Error("control subscription error", attrs...)
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to NATS %s: %w", observability.RedactURL(c.cfg.URL), err)
	}
	c.conn = conn

	c.logger.InfoContext(ctx, "control connection established",
		slog.String("url", observability.RedactURL(conn.ConnectedUrl())),
		slog.String("server_id", conn.ConnectedServerId()),
	)
	return nil
}

// Subscribe joins the queue group on the command subject. Commands run
// with ctx as their parent.
func (c *Client) Subscribe(ctx context.Context) error {
	if c.conn == nil {
		return errors.New("control client not connected")
	}

	sub, err := c.conn.QueueSubscribe(c.cfg.Subject, c.cfg.QueueGroup, func(msg *nats.Msg) {
		reply := c.handle(ctx, msg.Header, msg.Data)
		if msg.Reply != "" {
			c.respond(msg, reply)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", c.cfg.Subject, err)
	}
	c.sub = sub

	c.logger.Info("listening for feed commands",
		slog.String("subject", c.cfg.Subject),
		slog.String("queue", c.cfg.QueueGroup),
	)
	return nil
}

// handle decodes and applies one command. Trace context and the request id
// are taken from message headers when present.
func (c *Client) handle(ctx context.Context, header nats.Header, data []byte) FeedReply {
	start := time.Now()
	if header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(header))
	}
	ctx, span := observability.StartSpan(ctx, "control.HandleCommand")
	defer span.End()

	cmd, err := DecodeCommand(data)
	if err != nil {
		span.SetStatus(codes.Error, "decode")
		c.logger.Warn("rejected feed command",
			slog.Any("error", err),
			slog.String("data", observability.RedactSensitive(string(data))),
		)
		return FeedReply{
			Status:    StatusError,
			Error:     "invalid command format: " + err.Error(),
			HandledAt: time.Now().UTC(),
		}
	}

	if cmd.RequestID == "" && header != nil {
		cmd.RequestID = header.Get(observability.RequestIDHeader)
	}
	if cmd.RequestID != "" {
		ctx = observability.WithRequestID(ctx, cmd.RequestID)
	}
	span.SetAttributes(
		attribute.String("feed.action", string(cmd.Action)),
		attribute.String("feed.id", cmd.TargetFeedID()),
	)

	reply := c.handler.ProcessCommand(ctx, cmd)
	if reply.Status != StatusOK {
		span.SetStatus(codes.Error, reply.Error)
	}

	observability.LogWithContext(ctx, c.logger, slog.LevelInfo, "feed command handled",
		slog.String("action", string(cmd.Action)),
		slog.String("feed_id", reply.FeedID),
		slog.String("status", reply.Status),
		slog.String("error", reply.Error),
		slog.Duration("duration", time.Since(start)),
	)
	return reply
}

func (c *Client) respond(msg *nats.Msg, reply FeedReply) {
	data, err := json.Marshal(reply)
	if err == nil {
		err = msg.Respond(data)
	}
	if err != nil {
		c.logger.Error("sending feed command reply",
			slog.Any("error", err),
			slog.String("request_id", reply.RequestID),
		)
	}
}

// DecodeCommand parses a FeedCommand from JSON.
func DecodeCommand(data []byte) (FeedCommand, error) {
	var cmd FeedCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return FeedCommand{}, err
	}
	if cmd.Action == "" {
		return FeedCommand{}, errors.New("action is required")
	}
	return cmd, nil
}

// Close drains the subscription and closes the connection.
func (c *Client) Close() error {
	var err error
	if c.sub != nil {
		err = c.sub.Drain()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	if err != nil {
		return fmt.Errorf("draining control subscription: %w", err)
	}
	return nil
}

// IsConnected reports whether the connection is up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}
