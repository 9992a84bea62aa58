// internal/storage/leveldb/client_test.go
package leveldb

import (
	"testing"
	"time"

	"github.com/QianFuv/ChatDevApi/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, ttl time.Duration) *Client {
	t.Helper()
	client, err := NewClient(config.LevelDBConfig{Path: t.TempDir()}, ttl)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPutGet(t *testing.T) {
	c := newTestClient(t, time.Hour)

	require.NoError(t, c.Put(TaskKey(1), []byte("record")))

	got, err := c.Get(TaskKey(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("record"), got)
}

func TestGetMissingKey(t *testing.T) {
	c := newTestClient(t, time.Hour)

	got, err := c.Get(TaskKey(404))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExpiredEntryEvictedOnRead(t *testing.T) {
	c := newTestClient(t, 10*time.Millisecond)

	require.NoError(t, c.Put(TaskKey(1), []byte("record")))
	time.Sleep(50 * time.Millisecond)

	got, err := c.Get(TaskKey(1))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDelete(t *testing.T) {
	c := newTestClient(t, time.Hour)

	require.NoError(t, c.Put(TaskKey(1), []byte("record")))
	require.NoError(t, c.Delete(TaskKey(1)))

	got, err := c.Get(TaskKey(1))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTaskKey(t *testing.T) {
	assert.Equal(t, "task:42", TaskKey(42))
}
