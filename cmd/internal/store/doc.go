// Package store defines Prism's backend-agnostic document persistence
// contract and its three adapters: a local in-memory/file mock, a Postgres
// JSONB store with LISTEN/NOTIFY push, and a hosted MongoDB store.
//
// All adapters share one subscribe/mutate surface and one filter/sort
// implementation, so calling code observes identical snapshot ordering no
// matter which backend is wired in.
package store
