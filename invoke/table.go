package invoke

import (
	"sync"
	"time"

	"github.com/sacmq/sacmq-go/contracts"
)

const shardCount = 16

// call is the per-id record. While pending it is the request table entry;
// once response is set it is the delivered table entry.
type call struct {
	pending    bool
	expiresAt  time.Time
	response   *contracts.RPCMessage
	resolvedAt time.Time
	waiters    int
	done       chan struct{}
}

func newCall() *call {
	return &call{done: make(chan struct{})}
}

// resolved reports whether a response has been stored
func (c *call) resolved() bool {
	return c.response != nil
}

// resolve stores the one response this call will ever have and wakes its
// waiters. Must be called with the shard lock held.
func (c *call) resolve(response *contracts.RPCMessage, now time.Time) {
	c.pending = false
	c.response = response
	c.resolvedAt = now
	close(c.done)
}

type shard struct {
	mu    sync.Mutex
	calls map[uint64]*call
}

// table spreads calls over independently locked shards
type table struct {
	shards [shardCount]shard
}

func newTable() *table {
	t := &table{}
	for i := range t.shards {
		t.shards[i].calls = make(map[uint64]*call)
	}
	return t
}

func (t *table) shard(sequenceID uint64) *shard {
	return &t.shards[sequenceID%shardCount]
}
