package model

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/llmgate/llmgate/common/config"
)

// Short-TTL read caches in front of the configuration store. Entities are
// cached for a few seconds; statistical fields written by the relay bypass
// these caches entirely. Singleflight collapses concurrent misses for the same
// key into a single query.

var (
	entityCache = gocache.New(5*time.Second, time.Minute)
	poolCache   = gocache.New(time.Duration(config.SyncFrequency)*time.Second, time.Minute)
	cacheGroup  singleflight.Group
)

func cachedEntity[T any](c *gocache.Cache, key string, load func() (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		return v.(T), nil
	}
	v, err, _ := cacheGroup.Do(key, func() (any, error) {
		loaded, err := load()
		if err != nil {
			return loaded, err
		}
		c.SetDefault(key, loaded)
		return loaded, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func CacheGetApiKeyByHash(hash string) (*ApiKey, error) {
	return cachedEntity(entityCache, "apikey:"+hash, func() (*ApiKey, error) {
		return getApiKeyByHash(hash)
	})
}

func CacheGetUserById(id int) (*User, error) {
	return cachedEntity(entityCache, fmt.Sprintf("user:%d", id), func() (*User, error) {
		return GetUserById(id)
	})
}

func CacheGetProviderById(id int) (*Provider, error) {
	return cachedEntity(entityCache, fmt.Sprintf("provider:%d", id), func() (*Provider, error) {
		return GetProviderById(id)
	})
}

func CacheGetEndpointById(id int) (*Endpoint, error) {
	return cachedEntity(entityCache, fmt.Sprintf("endpoint:%d", id), func() (*Endpoint, error) {
		return GetEndpointById(id)
	})
}

func CacheGetProviderKeyById(id int) (*ProviderKey, error) {
	return cachedEntity(entityCache, fmt.Sprintf("providerkey:%d", id), func() (*ProviderKey, error) {
		return GetProviderKeyById(id)
	})
}

// CacheGetEnabledProviders returns the enabled provider pool ordered by
// priority then id.
func CacheGetEnabledProviders() ([]*Provider, error) {
	return cachedEntity(poolCache, "providers", GetEnabledProviders)
}

func CacheGetEnabledEndpoints() ([]*Endpoint, error) {
	return cachedEntity(poolCache, "endpoints", GetEnabledEndpoints)
}

func CacheGetEnabledProviderKeys() ([]*ProviderKey, error) {
	return cachedEntity(poolCache, "providerkeys", GetEnabledProviderKeys)
}

func CacheGetEnabledModelImpls() ([]*ModelImpl, error) {
	return cachedEntity(poolCache, "modelimpls", GetEnabledModelImpls)
}

func CacheGetAllGlobalModels() ([]*GlobalModel, error) {
	return cachedEntity(poolCache, "globalmodels", GetAllGlobalModels)
}

func CacheGetGlobalModelById(id int) (*GlobalModel, error) {
	return cachedEntity(entityCache, fmt.Sprintf("globalmodel:%d", id), func() (*GlobalModel, error) {
		return GetGlobalModelById(id)
	})
}

func CacheGetModelMappings(sourceModel string) ([]*ModelMapping, error) {
	return cachedEntity(entityCache, "mapping:"+sourceModel, func() ([]*ModelMapping, error) {
		return GetModelMappings(sourceModel)
	})
}

// InvalidateEntityCaches flushes both cache tiers; admin mutations call this
// after writing the configuration store.
func InvalidateEntityCaches() {
	entityCache.Flush()
	poolCache.Flush()
}
