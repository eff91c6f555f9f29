package capacity

import (
	"hash/fnv"
	"sync"
)

const stripeCount = 64

// keyedMutex serializes work per resource id without a global lock.
// Unrelated resources only ever contend when they hash to the same stripe.
type keyedMutex struct {
	stripes [stripeCount]sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &k.stripes[h.Sum32()%stripeCount]
	mu.Lock()
	return mu.Unlock
}
