// Package id hands out connection ids for forwarded packets.
package id

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrInvalidDistributeIdParams = errors.New("invalid distribute id params")
)

type Sequence interface {
	Next(ctx context.Context) (int64, error)
}

// DistributeId is a redis INCR counter, shared by every gateway that uses
// the same key.
type DistributeId struct {
	client        *redis.Client
	onceInitIdFac sync.Once
	Key           string
	Start         int64
}

// NewDistributeId creates key with start when it does not exist yet. The
// first id returned is start+1.
func NewDistributeId(ctx context.Context, client *redis.Client, key string, start int64) (*DistributeId, error) {
	if client == nil || len(key) == 0 || start < 0 {
		return nil, ErrInvalidDistributeIdParams
	}

	d := &DistributeId{
		client: client,
		Key:    key,
		Start:  start,
	}

	var err error
	d.onceInitIdFac.Do(func() {
		err = d.client.SetNX(ctx, d.Key, d.Start, time.Duration(0)).Err()
	})

	return d, err
}

func (c *DistributeId) Next(ctx context.Context) (int64, error) {
	res := c.client.Incr(ctx, c.Key)
	if err := res.Err(); err != nil {
		return -1, err
	}
	return res.Val(), nil
}

// LocalId counts in process memory.
type LocalId struct {
	n atomic.Int64
}

func NewLocalId(start int64) *LocalId {
	l := &LocalId{}
	l.n.Store(start)
	return l
}

func (l *LocalId) Next(context.Context) (int64, error) {
	return l.n.Add(1), nil
}
