package dataloader

import (
	"sync"
)

// SharedCacheManager hands out named caches that several DataLoaders can
// share.
type SharedCacheManager struct {
	mu     sync.Mutex
	caches map[string]*CacheManager
}

// NewSharedCacheManager creates an empty registry.
func NewSharedCacheManager() *SharedCacheManager {
	return &SharedCacheManager{
		caches: make(map[string]*CacheManager),
	}
}

// GetOrCreateCache gets or creates a cache with the given name. maxSize only
// applies when the cache is created.
func (scm *SharedCacheManager) GetOrCreateCache(name string, maxSize int) *CacheManager {
	scm.mu.Lock()
	defer scm.mu.Unlock()

	if cache, exists := scm.caches[name]; exists {
		return cache
	}

	cache := NewCacheManager(maxSize)
	scm.caches[name] = cache
	return cache
}

// RemoveCache removes a cache by name
func (scm *SharedCacheManager) RemoveCache(name string) {
	scm.mu.Lock()
	defer scm.mu.Unlock()
	delete(scm.caches, name)
}

// ClearAllCaches clears all managed caches
func (scm *SharedCacheManager) ClearAllCaches() {
	scm.mu.Lock()
	defer scm.mu.Unlock()

	for _, cache := range scm.caches {
		cache.Clear()
	}
}

// CreateSharedDataLoaders creates train and validation DataLoaders over one
// cache. The train loader shuffles, the validation loader keeps file order.
func CreateSharedDataLoaders(trainDataset, valDataset Dataset, config Config) (*DataLoader, *DataLoader, error) {
	cacheSize := config.MaxCacheSize
	if cacheSize == 0 {
		cacheSize = trainDataset.Len() + valDataset.Len()
	}
	sharedCache := config.CacheManager
	if sharedCache == nil {
		sharedCache = NewCacheManager(cacheSize)
	}

	trainConfig := config
	trainConfig.CacheManager = sharedCache
	trainConfig.Shuffle = true
	trainLoader, err := NewDataLoader(trainDataset, trainConfig)
	if err != nil {
		return nil, nil, err
	}

	valConfig := config
	valConfig.CacheManager = sharedCache
	valConfig.Shuffle = false
	valLoader, err := NewDataLoader(valDataset, valConfig)
	if err != nil {
		return nil, nil, err
	}

	return trainLoader, valLoader, nil
}
