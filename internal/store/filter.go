// ABOUTME: Bloom filter over stored document ids with atomic swap for rebuilds
// ABOUTME: Lets lookups for ids that were never stored skip the index entirely

package store

import (
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
)

// FilterConfig holds configuration for the document filter.
type FilterConfig struct {
	// Expected number of items to be added.
	ExpectedItems uint

	// Desired false positive rate (e.g., 0.01 for 1%).
	FalsePositiveRate float64
}

// FilterStats contains statistics about the document filter.
type FilterStats struct {
	Capacity          uint    `json:"capacity"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
	BitSetSize        uint64  `json:"bit_set_size"`
	HashFunctions     uint    `json:"hash_functions"`
	ApproxItems       uint32  `json:"approx_items"`
}

// DocFilter is a thread-safe Bloom filter of document ids.
// Test never reports false for an id that was added.
type DocFilter struct {
	filter atomic.Pointer[bloom.BloomFilter]
	mu     sync.RWMutex // Protects writes to the filter
	config FilterConfig
}

// NewDocFilter creates an empty filter.
func NewDocFilter(cfg FilterConfig) *DocFilter {
	if cfg.ExpectedItems == 0 {
		cfg.ExpectedItems = 1_000_000
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = 0.001
	}

	df := &DocFilter{config: cfg}
	df.filter.Store(df.empty())
	return df
}

func (df *DocFilter) empty() *bloom.BloomFilter {
	return bloom.NewWithEstimates(df.config.ExpectedItems, df.config.FalsePositiveRate)
}

// Add records docID.
func (df *DocFilter) Add(docID string) {
	df.mu.Lock()
	defer df.mu.Unlock()
	df.filter.Load().AddString(docID)
}

// Test reports whether docID might have been added.
func (df *DocFilter) Test(docID string) bool {
	df.mu.RLock()
	defer df.mu.RUnlock()
	return df.filter.Load().TestString(docID)
}

// Rebuild fills a fresh filter from each and swaps it in on success.
// The current filter keeps serving until the swap.
func (df *DocFilter) Rebuild(each func(add func(docID string)) error) error {
	next := df.empty()
	if err := each(func(docID string) { next.AddString(docID) }); err != nil {
		return err
	}

	df.mu.Lock()
	defer df.mu.Unlock()
	df.filter.Store(next)
	return nil
}

// Stats returns statistics about the filter.
func (df *DocFilter) Stats() FilterStats {
	df.mu.RLock()
	defer df.mu.RUnlock()
	f := df.filter.Load()

	return FilterStats{
		Capacity:          df.config.ExpectedItems,
		FalsePositiveRate: df.config.FalsePositiveRate,
		BitSetSize:        uint64(f.Cap() / 8),
		HashFunctions:     f.K(),
		ApproxItems:       f.ApproximatedSize(),
	}
}
