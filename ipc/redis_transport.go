// This file adapts gomind's core.RedisClient wrapper pattern (DB
// isolation, key/channel namespacing, connection health checking) from
// request/response Redis commands to Redis Pub/Sub: one channel per
// view for authority-to-view traffic, plus one shared channel for
// view-to-authority traffic, mirroring core.RedisDiscovery's
// "namespaced keys, one client, structured logging" shape.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/itsneelabh/bridge/core"
)

// RedisTransport implements Transport over Redis Pub/Sub. The
// authoritative side constructs one RedisTransport per connected view
// (subscribed to the shared up-channel, publishing to that view's
// down-channel); a view process constructs one subscribed to its own
// down-channel and publishing to the shared up-channel.
type RedisTransport struct {
	client    *redis.Client
	pubsub    *redis.PubSub
	publishTo string
	logger    core.Logger
}

// RedisTransportOptions configures a RedisTransport endpoint.
type RedisTransportOptions struct {
	RedisURL string
	// Namespace prefixes every channel name.
	Namespace string
	// ViewID identifies the view whose down-channel this endpoint uses
	// (authoritative-side endpoints pass the remote view's id and
	// publish to its down-channel; a view endpoint passes its own id and
	// subscribes to it).
	ViewID int64
	// Authoritative is true when this endpoint is constructed by the
	// authoritative process (subscribes to the shared up-channel,
	// publishes to the view's down-channel); false when constructed by a
	// view (subscribes to its own down-channel, publishes to the shared
	// up-channel).
	Authoritative bool
	Logger        core.Logger
}

func downChannel(namespace string, viewID int64) string {
	return fmt.Sprintf("%s%s:view:%d:down", core.RedisChannelPrefix, namespace, viewID)
}

func upChannel(namespace string) string {
	return fmt.Sprintf("%s%s:authority:up", core.RedisChannelPrefix, namespace)
}

// NewRedisTransport connects to Redis and subscribes to the appropriate
// channel for this endpoint's role.
func NewRedisTransport(ctx context.Context, opts RedisTransportOptions) (*RedisTransport, error) {
	if opts.RedisURL == "" {
		return nil, core.NewEngineError(core.KindConfiguration, "NewRedisTransport",
			"redis URL is required", core.ErrInvalidConfiguration, core.ErrorContext{})
	}
	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, core.NewEngineError(core.KindConfiguration, "NewRedisTransport",
			"invalid redis URL", core.ErrInvalidConfiguration, core.ErrorContext{})
	}
	client := redis.NewClient(redisOpt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, core.NewEngineError(core.KindIpcCommunication, "NewRedisTransport",
			"failed to connect to redis", core.ErrSendFailed, core.ErrorContext{})
	}

	var sub *redis.PubSub
	var publishTo string
	if opts.Authoritative {
		sub = client.Subscribe(ctx, upChannel(opts.Namespace))
		publishTo = downChannel(opts.Namespace, opts.ViewID)
	} else {
		sub = client.Subscribe(ctx, downChannel(opts.Namespace, opts.ViewID))
		publishTo = upChannel(opts.Namespace)
	}

	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	return &RedisTransport{client: client, pubsub: sub, publishTo: publishTo, logger: logger}, nil
}

func (t *RedisTransport) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return core.NewEngineError(core.KindIpcCommunication, "RedisTransport.Send",
			"failed to marshal envelope", core.ErrSendFailed, core.ErrorContext{})
	}
	if err := t.client.Publish(ctx, t.publishTo, data).Err(); err != nil {
		t.logger.Error("redis publish failed", map[string]interface{}{
			"channel": t.publishTo,
			"error":   err.Error(),
		})
		return core.NewEngineError(core.KindIpcCommunication, "RedisTransport.Send",
			"publish failed", core.ErrSendFailed, core.ErrorContext{Channel: t.publishTo})
	}
	return nil
}

func (t *RedisTransport) Receive(ctx context.Context) (Envelope, error) {
	msg, err := t.pubsub.ReceiveMessage(ctx)
	if err != nil {
		return Envelope{}, core.NewEngineError(core.KindIpcCommunication, "RedisTransport.Receive",
			"receive failed", core.ErrTransportClosed, core.ErrorContext{})
	}
	var env Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		return Envelope{}, core.NewEngineError(core.KindIpcCommunication, "RedisTransport.Receive",
			"failed to unmarshal envelope", core.ErrSendFailed, core.ErrorContext{})
	}
	return env, nil
}

func (t *RedisTransport) Close() error {
	if err := t.pubsub.Close(); err != nil {
		t.logger.Warn("error closing redis pubsub", map[string]interface{}{"error": err.Error()})
	}
	return t.client.Close()
}
