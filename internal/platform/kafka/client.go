// Package kafka builds the franz-go client used to drain the outbox.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"nostrsync/internal/platform/config"
	"nostrsync/pkg/platform/sentinel"
)

// Client wraps a kgo client with topic administration.
type Client struct {
	*kgo.Client
	topic string
}

// New connects to the configured brokers and makes sure the outbox topic
// exists. Returns nil if no brokers are configured.
func New(ctx context.Context, cfg config.KafkaConfig, opts ...kgo.Opt) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	cl, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	c := &Client{Client: cl, topic: cfg.Topic}
	if err := c.Ping(ctx); err != nil {
		cl.Close()
		return nil, fmt.Errorf("%w: kafka ping: %w", sentinel.ErrUnavailable, err)
	}
	if err := c.EnsureTopic(ctx, cfg.Topic); err != nil {
		cl.Close()
		return nil, err
	}
	return c, nil
}

// Topic is the outbox topic this client produces to.
func (c *Client) Topic() string {
	return c.topic
}

// EnsureTopic creates topic with broker defaults. An existing topic is success.
func (c *Client) EnsureTopic(ctx context.Context, topic string) error {
	adm := kadm.NewClient(c.Client)
	resp, err := adm.CreateTopics(ctx, -1, -1, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// Health pings the cluster.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx)
}
