package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisSinkValidates(t *testing.T) {
	_, err := NewRedisSink(nil, "k", "c", time.Minute)
	assert.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	_, err = NewRedisSink(client, "", "", time.Minute)
	assert.Error(t, err)
}

func TestRedisSinkReportsUnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	sink, err := NewRedisSink(client, "latest", "ticks", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, sink.Ping(ctx))
	assert.Error(t, sink.Publish(ctx, []byte(`{}`)))
	assert.NoError(t, sink.Close())
}
