// Package valkey provides a storage.Store backed by Valkey (or any
// Redis-compatible server) through github.com/valkey-io/valkey-go.
//
// # Key Schema
//
//	{prefix}client:{clientID}   -> JSON(storage.Client), no TTL
//	{prefix}code:{code}         -> JSON(storage.AuthorizationCode)
//	{prefix}access:{token}      -> JSON(storage.AccessToken)
//	{prefix}refresh:{token}     -> JSON(storage.RefreshToken)
//
// Codes and tokens carry a key TTL a few minutes past their expires_at, so
// abandoned records disappear even if no cleanup pass runs. Whether a record
// has expired is still decided by the server from expires_at.
//
// # Single Use
//
// ConsumeAuthorizationCode and ConsumeRefreshToken are a single GETDEL, so
// across any number of server replicas only one caller receives the record.
//
// # Encryption at Rest
//
// With Config.Encryptor set, every value is sealed with AES-256-GCM before it
// is written:
//
//	key, _ := security.KeyFromBase64(os.Getenv("STORAGE_ENCRYPTION_KEY"))
//	enc, _ := security.NewEncryptor(key)
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	    Encryptor: enc,
//	})
package valkey
