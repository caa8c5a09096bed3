// Package consent records which scopes a user has approved for a client.
//
// A consent is keyed by (user, client) and holds a scope set. Approving
// merges scopes into the set; revoking removes them, and the record is
// deleted once it is empty. A consent may expire:
//   - no options, or Remember set: kept until revoked
//   - Remember unset: expires after DefaultSessionTTL
//   - TTLSeconds > 0: expires after that many seconds in either case
//
// MemoryService suits single-process deployments and tests. RedisService
// shares consent across replicas and lets Redis expire records by key TTL.
package consent
