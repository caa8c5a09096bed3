// Package util holds small string helpers shared by the server packages.
//
//   - SafeTruncate: token prefixes for log lines
//   - NormalizeURL: issuer normalisation
package util
