// Package cache provides DecisionCache implementations for the authorizer.
//
// MemoryCache keeps results in a bounded, expiring LRU inside the process.
// RedisCache shares results between instances and publishes invalidations
// on a channel. Subscriber applies those published invalidations to a local
// cache, and Tiered chains a local cache in front of a shared one:
//
//	shared, _ := cache.NewRedisCache(cache.RedisConfig{URL: "redis://localhost:6379/0"})
//	local := cache.NewMemoryCache(cache.MemoryConfig{Size: 10000, TTL: 5 * time.Minute})
//	sub := cache.NewSubscriber(shared.Client(), shared.Channel(), local, logger)
//	go sub.Run(ctx)
//	authz := rbac.NewAuthorizer(repo, cache.NewTiered(local, shared, 30*time.Second), rbac.Options{})
package cache
