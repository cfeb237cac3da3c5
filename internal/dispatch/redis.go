package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// AnalysisQueue is the channel the analysis workers subscribe to.
const AnalysisQueue = "video_analysis_queue"

// Redis publishes completion events to the analysis queue channel.
type Redis struct {
	client  redis.UniversalClient
	channel string
}

// NewRedis builds a dispatcher over an existing client. An empty
// channel selects AnalysisQueue.
func NewRedis(client redis.UniversalClient, channel string) *Redis {
	if channel == "" {
		channel = AnalysisQueue
	}
	return &Redis{client: client, channel: channel}
}

var _ Dispatcher = (*Redis)(nil)

func (r *Redis) UploadCompleted(ctx context.Context, ev CompletionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode completion event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish completion event: %w", err)
	}
	return nil
}
