// Package persist provides state.Persister backends.
//
// KV keeps each persistent document as one key of a JetStream key-value
// bucket. Redis keeps each document as one string key plus a set indexing
// every stored path, so Load needs no key scan.
package persist
