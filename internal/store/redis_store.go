package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/Guizzs26/election_inspection_system/internal/election"
	"github.com/Guizzs26/election_inspection_system/internal/model"
)

const DefaultStateKey = "election:state"

// transitionScript moves the state only if it still equals the required
// predecessor, and returns the state it found. A missing key is NOT_STARTED.
var transitionScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then cur = ARGV[2] end
if cur == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[3])
end
return cur
`)

func newRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis URL: %w", err)
	}

	c := redis.NewClient(opts)

	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}
	return c, nil
}

type RedisElectionStore struct {
	client *redis.Client
	key    string
}

func NewRedisElectionStore(ctx context.Context, addr, key string) (*RedisElectionStore, error) {
	c, err := newRedisClient(ctx, addr)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = DefaultStateKey
	}
	return &RedisElectionStore{client: c, key: key}, nil
}

func (rs *RedisElectionStore) State(ctx context.Context) (model.ElectionState, error) {
	raw, err := rs.client.Get(ctx, rs.key).Result()
	if errors.Is(err, redis.Nil) {
		return model.ElectionNotStarted, nil
	}
	if err != nil {
		return 0, fmt.Errorf("error reading election state: %w", err)
	}

	state, err := model.ParseElectionState(raw)
	if err != nil {
		return 0, fmt.Errorf("error decoding election state: %w", err)
	}
	return state, nil
}

func (rs *RedisElectionStore) Transition(ctx context.Context, to model.ElectionState) error {
	var from model.ElectionState
	switch to {
	case model.ElectionOpen:
		from = model.ElectionNotStarted
	case model.ElectionClosed:
		from = model.ElectionOpen
	default:
		cur, err := rs.State(ctx)
		if err != nil {
			return err
		}
		return &election.TransitionError{From: cur, To: to}
	}

	raw, err := transitionScript.Run(ctx, rs.client, []string{rs.key},
		from.String(), model.ElectionNotStarted.String(), to.String()).Text()
	if err != nil {
		return fmt.Errorf("error executing transition script: %w", err)
	}

	found, err := model.ParseElectionState(raw)
	if err != nil {
		return fmt.Errorf("error decoding election state: %w", err)
	}
	if found != from {
		return &election.TransitionError{From: found, To: to}
	}
	return nil
}

func (rs *RedisElectionStore) Close() error {
	if err := rs.client.Close(); err != nil {
		return fmt.Errorf("error closing redis client: %w", err)
	}
	return nil
}

type RedisTallyStore struct {
	client *redis.Client
}

func NewRedisTallyStore(ctx context.Context, addr string) (*RedisTallyStore, error) {
	c, err := newRedisClient(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &RedisTallyStore{client: c}, nil
}

func resultsKey(tableID int) string {
	return fmt.Sprintf("table:%d:results", tableID)
}

func (rs *RedisTallyStore) RecordVote(ctx context.Context, tableID int, party string) (int, error) {
	n, err := rs.client.HIncrBy(ctx, resultsKey(tableID), party, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("error recording vote: %w", err)
	}
	return int(n), nil
}

func (rs *RedisTallyStore) GetResults(ctx context.Context, tableID int) (map[string]int, error) {
	rstr, err := rs.client.HGetAll(ctx, resultsKey(tableID)).Result()
	if err != nil {
		return nil, fmt.Errorf("error getting results from redis: %w", err)
	}

	result := make(map[string]int, len(rstr))
	for party, countStr := range rstr {
		count, err := strconv.Atoi(countStr)
		if err != nil {
			return nil, fmt.Errorf("error converting count to int: %w", err)
		}
		result[party] = count
	}

	return result, nil
}

func (rs *RedisTallyStore) Close() error {
	if err := rs.client.Close(); err != nil {
		return fmt.Errorf("error closing redis client: %w", err)
	}
	return nil
}
