package distribution

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinSinks(t *testing.T) {
	assert.Nil(t, JoinSinks(nil, nil))

	only := &fakeSink{}
	assert.Same(t, only, JoinSinks(nil, only))

	a, b := &fakeSink{}, &fakeSink{failNext: true}
	joined := JoinSinks(a, b)
	err := joined.Publish(context.Background(), []byte(`{}`))
	assert.Error(t, err)
	assert.Equal(t, 1, a.published())
	assert.Equal(t, 0, b.published())

	b.pingError = errors.New("down")
	assert.Error(t, joined.Ping(context.Background()))
	assert.Equal(t, 1, a.pings)
	assert.NoError(t, joined.Close())
}
