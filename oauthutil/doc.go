// Package oauthutil provides the pure helpers shared by every layer of the
// authorization server: identifier generation, the timestamp source used for
// expiry math, scope parsing and validation, redirect URI matching,
// structural validation of authorization requests, and PKCE verification.
//
// Nothing in this package touches storage or performs I/O, so it can be
// imported by the storage backends as well as by the protocol handlers.
package oauthutil
