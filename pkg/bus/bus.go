// Package bus is the live-value fan-out: the collector publishes each
// freshly written point to Redis Pub/Sub and dashboard sessions tail the
// channels for their loops. Delivery is best effort; the durable record is
// always the series store, the bus only saves dashboards from polling it.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loopscope/historian/pkg/db/historian"
	"github.com/loopscope/historian/pkg/utils"
)

const channelPrefix = "historian:live:"

// ChannelFor returns the Pub/Sub channel carrying one loop's live points.
func ChannelFor(loopID string) string {
	return channelPrefix + loopID
}

// LivePoint is the wire form of a point on the bus.
type LivePoint struct {
	Time      time.Time          `json:"time"`
	LoopID    string             `json:"loop_id"`
	MachineID string             `json:"machine_id"`
	Fields    map[string]float64 `json:"fields"`
}

// Client wraps the Redis connection used for live-value publish/subscribe.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewClient connects to Redis using REDIS_HOST, REDIS_PORT, REDIS_PASSWORD
// and REDIS_DB and verifies the connection with a ping.
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")

	addr := fmt.Sprintf("%s:%s", host, port)
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: utils.Env("REDIS_PASSWORD", ""),
		DB:       utils.EnvInt("REDIS_DB", 0),

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis", zap.String("addr", addr))
	return &Client{rdb: rdb, logger: logger}, nil
}

// Close terminates the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks the connection.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// PublishPoint pushes one point onto its loop's channel. Errors are returned
// so the collector can count them, but the collector treats them as
// non-fatal.
func (c *Client) PublishPoint(ctx context.Context, point historian.Point) error {
	payload, err := json.Marshal(LivePoint{
		Time:      point.Time,
		LoopID:    point.LoopID,
		MachineID: point.MachineID,
		Fields:    point.Fields,
	})
	if err != nil {
		return fmt.Errorf("encode live point: %w", err)
	}
	if err := c.rdb.Publish(ctx, ChannelFor(point.LoopID), payload).Err(); err != nil {
		return fmt.Errorf("publish live point: %w", err)
	}
	return nil
}

// Subscription tails live points for a set of loops.
type Subscription struct {
	pubsub *redis.PubSub
	points chan LivePoint
}

// Points delivers decoded live points. The channel closes when the
// subscription's context is cancelled or Close is called.
func (s *Subscription) Points() <-chan LivePoint {
	return s.points
}

// Close tears the subscription down.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// SubscribeLoops tails the channels of the given loops, or every loop when
// none are named. Undecodable messages are dropped with a log line; a
// dashboard tail has no use for a payload it cannot parse.
func (c *Client) SubscribeLoops(ctx context.Context, loopIDs ...string) *Subscription {
	var pubsub *redis.PubSub
	if len(loopIDs) == 0 {
		pubsub = c.rdb.PSubscribe(ctx, channelPrefix+"*")
	} else {
		channels := make([]string, len(loopIDs))
		for i, id := range loopIDs {
			channels[i] = ChannelFor(id)
		}
		pubsub = c.rdb.Subscribe(ctx, channels...)
	}

	sub := &Subscription{pubsub: pubsub, points: make(chan LivePoint, 64)}
	go func() {
		defer close(sub.points)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var lp LivePoint
				if err := json.Unmarshal([]byte(msg.Payload), &lp); err != nil {
					c.logger.Warn("Dropping undecodable live point",
						zap.String("channel", msg.Channel),
						zap.Error(err))
					continue
				}
				select {
				case sub.points <- lp:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return sub
}
