// Package storage defines the persistence contract of the authorization server.
//
// The storage package defines the interfaces the protocol handlers depend on:
//   - ClientStore: registered OAuth clients
//   - AuthorizationCodeStore: issued, single-use authorization codes
//   - TokenStore: access and refresh tokens
//   - Store: all of the above plus CleanupExpiredTokens
//
// Authorization codes and refresh tokens must be consumable atomically
// (ConsumeAuthorizationCode, ConsumeRefreshToken): when two callers race to
// consume the same entry, exactly one of them receives it.
//
// Expired entries are swept by CleanupExpiredTokens. Stores never schedule
// this themselves; Janitor runs it on an interval for the embedding process.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/mock: Mock storage for unit testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage
//   - storage/sqlstore: SQLite and PostgreSQL storage via sqlx
package storage
