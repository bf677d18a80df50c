// Package transcoderstub hosts a deterministic HTTP fake of the transcoding
// service for integration tests. It records job submissions, can fail the
// first N requests, and enforces the bearer credential when one is
// configured, so dispatcher tests can assert submission payloads and retry
// behaviour without a real backend.
package transcoderstub
