package inbox

import (
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisQueueDefaultsName(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	q, err := NewRedisQueue(client, "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "flowpilot:inbox", q.Name())
	assert.Equal(t, 5*time.Second, q.wait)
	assert.NoError(t, q.Close(), "borrowed clients are not closed")

	named, err := NewRedisQueue(client, "acme", "acme:replies", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "acme:replies", named.Name())
}

func TestRedisQueueRequiresClient(t *testing.T) {
	_, err := NewRedisQueue(nil, "", "", 0)
	assert.Error(t, err)
}
