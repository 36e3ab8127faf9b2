// Package assetcache fingerprints and validates images that are mirrored into
// a capacity-bounded remote asset store.
//
// Assets are addressed by the hex digest of their base64 data URI. The store
// package deduplicates uploads against an index of the remote collection and
// evicts the oldest unprotected entries when the collection is full.
package assetcache
