package wsrelay

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const roomChannelPrefix = "livetrack:room:"

type envelope struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// RedisBackplane relays accepted frames between instances over Redis
// pub/sub, one channel per room. Frames published by this instance are
// ignored on the way back.
type RedisBackplane struct {
	c          *redis.Client
	instanceID string
	log        zerolog.Logger
}

func NewRedisBackplane(c *redis.Client, l zerolog.Logger) *RedisBackplane {
	return &RedisBackplane{c: c, instanceID: uuid.NewString(), log: l}
}

func (b *RedisBackplane) InstanceID() string { return b.instanceID }

func (b *RedisBackplane) Publish(ctx context.Context, room string, frame []byte) error {
	payload, err := json.Marshal(envelope{Origin: b.instanceID, Frame: frame})
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	if err := b.c.Publish(ctx, roomChannelPrefix+room, payload).Err(); err != nil {
		return errors.Wrap(err, "redis publish")
	}
	return nil
}

// Run delivers frames from other instances until ctx is done. The
// subscription is confirmed before Run starts waiting, so a failed Redis
// surfaces as an error right away.
func (b *RedisBackplane) Run(ctx context.Context, deliver func(room string, frame []byte)) error {
	ps := b.c.PSubscribe(ctx, roomChannelPrefix+"*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return errors.Wrap(err, "redis psubscribe")
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("backplane subscription closed")
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn().Err(err).Str("channel", msg.Channel).Msg("skip undecodable backplane message")
				continue
			}
			if env.Origin == b.instanceID {
				continue
			}
			deliver(strings.TrimPrefix(msg.Channel, roomChannelPrefix), env.Frame)
		}
	}
}
