package rpc

import (
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	bundlerpc "workflow-bundles/go-backend/internal/domains/bundle/adapters/rpc"
)

const (
	rpcIdempotencyHeader     = "X-Idempotency-Key"
	rpcIdempotencyTTL        = 10 * time.Minute
	rpcIdempotencyMaxEntries = 1024
)

// Bundle mutations a client may retry under one X-Idempotency-Key.
var idempotentMethods = map[string]struct{}{
	"bundle.create":  {},
	"bundle.import":  {},
	"bundle.deploy":  {},
	"bundle.archive": {},
	"bundle.delete":  {},
}

// Outcomes that a retry would reproduce. A storage conflict or an unmapped
// failure is left out so the retry runs the method again.
var replayableErrorCodes = map[int]struct{}{
	-32602:                         {},
	bundlerpc.CodeNotFound:         {},
	bundlerpc.CodeDuplicateKey:     {},
	bundlerpc.CodeCorruptArchive:   {},
	bundlerpc.CodeDeploymentFailed: {},
	bundlerpc.CodeValidation:       {},
	bundlerpc.CodeTransition:       {},
	bundlerpc.CodeVersionConflict:  {},
}

func replayable(resp rpcResponse) bool {
	if resp.Error == nil {
		return true
	}
	_, ok := replayableErrorCodes[resp.Error.Code]
	return ok
}

type replayEntry struct {
	requestHash string
	response    rpcResponse
	storedAt    time.Time
}

// rpcIdempotencyCache keeps responses in insertion order, so expiry and
// eviction both pop from the front of order.
type rpcIdempotencyCache struct {
	mu      sync.Mutex
	entries map[string]replayEntry
	order   []string
}

func newRPCIdempotencyCache() *rpcIdempotencyCache {
	return &rpcIdempotencyCache{entries: make(map[string]replayEntry)}
}

// get returns the stored response and whether it was found. mismatch is set
// when the key was first used for a different request.
func (c *rpcIdempotencyCache) get(cacheKey, requestHash string, now time.Time) (resp rpcResponse, hit, mismatch bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(now)
	entry, ok := c.entries[cacheKey]
	switch {
	case !ok:
		return rpcResponse{}, false, false
	case entry.requestHash != requestHash:
		return rpcResponse{}, false, true
	}
	return entry.response, true, false
}

// remember stores resp when a retry of the same request should see it.
func (c *rpcIdempotencyCache) remember(cacheKey, requestHash string, resp rpcResponse, now time.Time) bool {
	if !replayable(resp) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(now)
	if _, exists := c.entries[cacheKey]; !exists {
		c.order = append(c.order, cacheKey)
	}
	resp.ID = nil
	c.entries[cacheKey] = replayEntry{requestHash: requestHash, response: resp, storedAt: now}
	for len(c.entries) > rpcIdempotencyMaxEntries {
		c.popLocked()
	}
	return true
}

func (c *rpcIdempotencyCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *rpcIdempotencyCache) expireLocked(now time.Time) {
	for len(c.order) > 0 {
		entry, ok := c.entries[c.order[0]]
		if ok && now.Sub(entry.storedAt) <= rpcIdempotencyTTL {
			return
		}
		c.popLocked()
	}
}

func (c *rpcIdempotencyCache) popLocked() {
	delete(c.entries, c.order[0])
	c.order = c.order[1:]
}

// rpcIdempotencyKey scopes a client key to the caller token and the method,
// so the same key used for create and then deploy does not collide.
func rpcIdempotencyKey(raw, authToken, method string) string {
	key := strings.TrimSpace(raw)
	if key == "" {
		return ""
	}
	return authToken + "|" + method + "|" + key
}

func rpcRequestHash(req rpcRequest) string {
	h := blake3.New()
	_, _ = h.Write([]byte(req.Method))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(req.Params)
	if req.APIVersion != nil {
		_, _ = h.Write([]byte{0, byte(*req.APIVersion)})
	}
	return hex.EncodeToString(h.Sum(nil))
}
