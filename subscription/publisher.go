package subscription

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/mt21625457/taskstream/domain"
)

// Publisher pushes change events onto the feed channel so every hub
// instance (this one included) fans them out to its subscribers.
type Publisher struct {
	rc      *redis.Client
	channel string
}

// NewPublisher creates a Publisher for the given channel.
func NewPublisher(rc *redis.Client, channel string) *Publisher {
	return &Publisher{rc: rc, channel: channel}
}

// Publish sends one change event.
func (p *Publisher) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	data, err := sonic.ConfigStd.Marshal(ev)
	if err != nil {
		return err
	}
	return p.rc.Publish(ctx, p.channel, data).Err()
}
