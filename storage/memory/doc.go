// Package memory provides an in-memory storage.Store.
//
// It is suitable for development, tests and single-instance deployments.
// Nothing survives a restart. Consume operations hold the write lock for the
// lookup and the delete, which gives the single-use guarantee for codes and
// refresh tokens within one process.
//
// The store does not sweep expired entries by itself; run a storage.Janitor
// against it:
//
//	store := memory.New()
//	go storage.NewJanitor(store, time.Minute, logger).Run(ctx)
package memory
