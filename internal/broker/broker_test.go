package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelay(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	d := minReconnectDelay
	var seen []time.Duration
	for i := 0; i < 10; i++ {
		seen = append(seen, d)
		d = nextDelay(d)
	}

	assert.Equal(time.Second, seen[0])
	assert.Equal(2*time.Second, seen[1])
	assert.Equal(32*time.Second, seen[5])
	// doubling stops at the cap
	assert.Equal(maxReconnectDelay, seen[6])
	assert.Equal(maxReconnectDelay, seen[9])
}

func TestPublishWhileDisconnected(t *testing.T) {
	t.Parallel()

	b := New(Config{Host: "localhost", Port: 1883, ClientID: "test"})
	err := b.Publish(context.Background(), "node/announce", 1, false, []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectRefused(t *testing.T) {
	t.Parallel()

	// port 1 is essentially guaranteed to refuse the dial
	b := New(Config{Host: "127.0.0.1", Port: 1, ClientID: "test"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, b.Connect(ctx))
	assert.False(t, b.Connected())
}
