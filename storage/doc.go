// Package storage provides the persistence contracts for the OAuth proxy.
//
// Two stores back the proxy:
//
//   - [SessionStore] holds one [SessionDocument] per in-flight authorization,
//     keyed by the client's state parameter with secondary lookups by
//     authorization code, refresh token, and access token hash.
//   - [StaticTokenStore] is the administrator-provisioned registry of
//     pre-baked token bundles served without an upstream exchange.
//
// Implementations live in subpackages: memory (development and tests) and
// valkey (production deployments needing shared, persistent state).
package storage
