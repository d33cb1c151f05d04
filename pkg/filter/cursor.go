package filter

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const cursorPrefix = "chainq:cursor:"

// casScript advances a cursor only if it still holds the expected value.
// An empty expected value means the key must not exist yet.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if (cur == false and ARGV[1] == '') or cur == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// Cursors stores the last block each filter has fully emitted.
type Cursors struct {
	rdb   redis.Cmdable
	start uint64
}

// NewCursors stores cursors in rdb. A filter without a cursor starts after
// block start.
func NewCursors(rdb redis.Cmdable, start uint64) *Cursors {
	return &Cursors{rdb: rdb, start: start}
}

// Position is a cursor read, remembered for the compare-and-set.
type Position struct {
	Block   uint64
	present bool
}

// Get reads the cursor of filter name.
func (c *Cursors) Get(ctx context.Context, name string) (Position, error) {
	val, err := c.rdb.Get(ctx, cursorPrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return Position{Block: c.start}, nil
	}
	if err != nil {
		return Position{}, fmt.Errorf("read cursor %s: %w", name, err)
	}
	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("corrupt cursor %s=%q: %w", name, val, err)
	}
	return Position{Block: n, present: true}, nil
}

// Advance moves the cursor from prev to block. It returns false when another
// cycle moved the cursor first.
func (c *Cursors) Advance(ctx context.Context, name string, prev Position, block uint64) (bool, error) {
	expected := ""
	if prev.present {
		expected = strconv.FormatUint(prev.Block, 10)
	}
	n, err := casScript.Run(ctx, c.rdb, []string{cursorPrefix + name}, expected, strconv.FormatUint(block, 10)).Int()
	if err != nil {
		return false, fmt.Errorf("advance cursor %s: %w", name, err)
	}
	return n == 1, nil
}
