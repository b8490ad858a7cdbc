package ids

import (
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBottleUIDUniqueAcrossGoroutines(t *testing.T) {
	const workers, perWorker = 8, 500

	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				uid := NewBottleUID()
				mu.Lock()
				seen[uid] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestNewBottleUIDIsMonotonic(t *testing.T) {
	prev := NewBottleUID()
	require.True(t, strings.HasPrefix(prev, BottlePrefix))
	for i := 0; i < 1000; i++ {
		next := NewBottleUID()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestNewSealBatchID(t *testing.T) {
	id := NewSealBatchID(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	assert.Regexp(t, regexp.MustCompile(`^2026-[0-9A-F]{8}$`), id)
}
