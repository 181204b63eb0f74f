package depcache

import "errors"

// ErrNoCache is the sentinel a Do body returns (directly or wrapped with
// %w) to mean "do not store a result for this invocation, but this is not
// a failure either". Do swallows it and reports a miss.
var ErrNoCache = errors.New("depcache: body opted out of caching this result")

// ErrTampered is returned by Do when a hashed output's materialized file
// no longer matches the digest it was cached under.
var ErrTampered = errors.New("depcache: cache entry was tampered with, run a clean to reset the cache")

// errNonUniqueDigestHolder is returned by checkDigests when a manifest
// list reuses the same output digest holder as the cache target of two
// different outputs.
var errNonUniqueDigestHolder = errors.New("depcache: a digest holder cannot be the cache target of more than one output")
