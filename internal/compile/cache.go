package compile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/server/caching"

	"github.com/khoantd/rule-engine-sub000/internal/rules"
)

// Cache memoizes compilation results by the content hash of the
// rule and condition sets. Compilation of a given input is
// deterministic, so a hit can be served without recompiling.
type Cache struct {
	handle caching.LRUHandle
}

// NewCache initialises a compilation cache over the given process
// cache handle.
func NewCache(h caching.LRUHandle) *Cache {
	return &Cache{handle: h}
}

// Compile returns the prepared rules for the given input, compiling
// on a cache miss.
func (c *Cache) Compile(ctx context.Context, ruleList []*rules.Rule, conditions []*rules.Condition) ([]*PreparedRule, error) {
	key := ContentHash(ruleList, conditions)
	value, err := c.handle.LRU(ctx).GetOrCreate(ctx, key, func() (interface{}, time.Duration, error) {
		prepared, err := Compile(ruleList, conditions)
		if err != nil {
			return nil, 0, err
		}
		return prepared, 0, nil
	})
	if err != nil {
		return nil, err
	}
	prepared, ok := value.([]*PreparedRule)
	if !ok {
		return nil, errors.New("unexpected type in compilation cache")
	}
	return prepared, nil
}

// ContentHash produces a stable 128-bit hex digest of the rule and
// condition sets. Rules are hashed in store order; reordering by
// rule ID does not change the compiled output (order is
// re-established by priority), but it does change the hash, which
// only costs a recompile.
func ContentHash(ruleList []*rules.Rule, conditions []*rules.Condition) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, r := range ruleList {
		// Encoding errors are not possible for these types.
		_ = enc.Encode(r)
	}
	for _, c := range conditions {
		_ = enc.Encode(c)
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
