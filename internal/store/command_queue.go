package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// commandTTL expires stale operator commands so a device that was offline
// for a while does not act on an old request.
const commandTTL = 10 * time.Minute

// CommandQueue holds at most one pending operator command per device. A new
// command overwrites the previous one; the device consumes it on poll.
type CommandQueue struct{ rdb *redis.Client }

func NewCommandQueue(rdb *redis.Client) *CommandQueue { return &CommandQueue{rdb: rdb} }

func commandKey(deviceID string) string { return "feeder:command:" + deviceID }

func (q *CommandQueue) Push(ctx context.Context, deviceID, command string) error {
	return q.rdb.Set(ctx, commandKey(deviceID), command, commandTTL).Err()
}

// Pop consumes and returns the pending command, or "" when none is queued.
func (q *CommandQueue) Pop(ctx context.Context, deviceID string) (string, error) {
	cmd, err := q.rdb.GetDel(ctx, commandKey(deviceID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return cmd, err
}
