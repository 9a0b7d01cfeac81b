// Package storage provides the shared Redis-backed state for the auth core.
//
// # Overview
//
// NewRedisClient builds the shared go-redis client with pool sizing,
// timeouts and a startup ping. RevocationStore builds the token blacklist and
// per-identity session sets on top of it.
//
// # Key Layout
//
//	token:blacklist:<token id>   tombstone, TTL = remaining token lifetime
//	user:sessions:<identity id>  set of live refresh-token ids, TTL = refresh lifetime
//
// Identity persistence lives in the subpackages:
//
//   - storage/postgres: database/sql + lib/pq user repository
//   - storage/memory: in-process user repository for development and tests
package storage
