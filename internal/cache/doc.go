// Package cache defines the disk-backed store that mirrors the origin tree as
// StoragePath/<key> files, together with the key validation and freshness
// rules that decide whether a stored object may be served. The store exposes
// read/write primitives with safe semantics (temp file + rename) and surfaces
// file info (size, modtime) so the proxy layer can decide between serving
// from disk and refetching without duplicating filesystem logic.
package cache
