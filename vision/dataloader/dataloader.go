package dataloader

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-unet/tensor"
	"github.com/tsawler/go-unet/training"
)

// Dataset is a training.Dataset whose samples have a stable cache key.
type Dataset interface {
	training.Dataset
	Key(index int) string
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize    int
	Shuffle      bool
	MaxCacheSize int           // Maximum number of samples to cache; 0 caches the whole dataset
	Seed         int64         // Shuffle seed
	CacheManager *CacheManager // Optional shared cache manager
}

// CachedDataset serves samples from a CacheManager, decoding on a miss.
type CachedDataset struct {
	dataset Dataset
	cache   *CacheManager
}

// NewCachedDataset wraps dataset with cache.
func NewCachedDataset(dataset Dataset, cache *CacheManager) *CachedDataset {
	return &CachedDataset{dataset: dataset, cache: cache}
}

// Len returns the number of samples of the wrapped dataset.
func (cd *CachedDataset) Len() int {
	return cd.dataset.Len()
}

// Get returns the sample at index. Cached tensors are shared, so callers
// must copy before mutating them.
func (cd *CachedDataset) Get(index int) (*tensor.Tensor, *tensor.Tensor, error) {
	key := cd.dataset.Key(index)
	if key != "" {
		if s, ok := cd.cache.Get(key); ok {
			return s.Image, s.Mask, nil
		}
	}

	image, mask, err := cd.dataset.Get(index)
	if err != nil {
		return nil, nil, err
	}
	if key != "" {
		cd.cache.Put(key, Sample{Image: image, Mask: mask})
	}
	return image, mask, nil
}

// DataLoader is a training.DataLoader over a cached dataset.
type DataLoader struct {
	*training.DataLoader

	cacheManager *CacheManager
	ownedCache   bool
}

// NewDataLoader creates a new data loader
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}

	cacheManager := config.CacheManager
	ownedCache := false
	if cacheManager == nil {
		size := config.MaxCacheSize
		if size == 0 {
			size = dataset.Len()
		}
		cacheManager = NewCacheManager(size)
		ownedCache = true
	}

	var rng *rand.Rand
	if config.Shuffle {
		rng = rand.New(rand.NewSource(config.Seed))
	}
	loader, err := training.NewDataLoader(NewCachedDataset(dataset, cacheManager), config.BatchSize, config.Shuffle, rng)
	if err != nil {
		return nil, err
	}

	return &DataLoader{
		DataLoader:   loader,
		cacheManager: cacheManager,
		ownedCache:   ownedCache,
	}, nil
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	return dl.cacheManager.Stats().String()
}

// ClearCache clears the cache unless it is shared with other loaders.
func (dl *DataLoader) ClearCache() {
	if dl.ownedCache {
		dl.cacheManager.Clear()
	}
}

// GetCacheManager returns the cache manager for sharing between DataLoaders
func (dl *DataLoader) GetCacheManager() *CacheManager {
	return dl.cacheManager
}
