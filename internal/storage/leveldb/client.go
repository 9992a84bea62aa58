// internal/storage/leveldb/client.go
package leveldb

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/QianFuv/ChatDevApi/internal/config"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// entry wraps a cached value with its expiry deadline
type entry struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Client is a local TTL cache for terminal task records. Terminal records
// never change again, so serving them from here keeps status polling off
// the database.
type Client struct {
	db          *leveldb.DB
	ttl         time.Duration
	mutex       sync.Mutex
	stopCleanup chan struct{}
}

const taskKeyPrefix = "task:"

// TaskKey returns the cache key for a task record
func TaskKey(taskID int64) string {
	return fmt.Sprintf("%s%d", taskKeyPrefix, taskID)
}

func NewClient(cfg config.LevelDBConfig, ttl time.Duration) (*Client, error) {
	opts := &opt.Options{
		CompactionTableSize: 2 * 1024 * 1024, // 2MB
		WriteBuffer:         1 * 1024 * 1024, // 1MB
	}

	db, err := leveldb.OpenFile(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb: %w", err)
	}

	client := &Client{
		db:          db,
		ttl:         ttl,
		stopCleanup: make(chan struct{}),
	}

	go client.cleanupLoop(6 * time.Hour)

	return client, nil
}

func (c *Client) Close() error {
	close(c.stopCleanup)
	return c.db.Close()
}

func (c *Client) Put(key string, value []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	data, err := json.Marshal(entry{
		Value:     value,
		ExpiresAt: time.Now().Add(c.ttl),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	return c.db.Put([]byte(key), data, nil)
}

// Get returns the cached value, or nil when the key is absent or expired.
// Expired entries are removed on read.
func (c *Client) Get(key string) ([]byte, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	data, err := c.db.Get([]byte(key), nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}

	if time.Now().After(e.ExpiresAt) {
		c.db.Delete([]byte(key), nil)
		return nil, nil
	}

	return e.Value, nil
}

func (c *Client) Delete(key string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.db.Delete([]byte(key), nil)
}

func (c *Client) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

// cleanup sweeps out expired entries
func (c *Client) cleanup() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	iter := c.db.NewIterator(util.BytesPrefix([]byte{}), nil)
	defer iter.Release()

	var expired [][]byte
	now := time.Now()

	for iter.Next() {
		var e entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		if now.After(e.ExpiresAt) {
			key := make([]byte, len(iter.Key()))
			copy(key, iter.Key())
			expired = append(expired, key)
		}
	}

	for _, key := range expired {
		c.db.Delete(key, nil)
	}
}
