// Package cache implements a tiered, adaptive caching engine for fronting
// expensive upstream lookups such as remote API calls and computed
// aggregates.
//
// The engine is composed of storage tiers behind a single Tier interface:
// LocalTier is an in-process bounded store with adaptive per-entry TTL,
// scored eviction and tag/dependency indices; SharedTier implements the
// same contract against a Redis-backed shared store with retry, circuit
// breaking and pipelined writes. Manager composes an ordered list of tiers
// (fastest first), promotes hits into faster tiers, routes writes by
// payload size and data type, and fans invalidation out to every tier.
//
// Tier failures never escalate as errors to the caller: a failed set
// reports false, a failed or expired get reports a miss. The worst case
// for a consumer is a slower upstream lookup, never an aborted operation.
package cache
