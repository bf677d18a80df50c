// Package api hosts HTTP handlers that front the vodhub REST API.
//
// The handlers assembled by Handler coordinate request validation, token
// awareness, and response shaping while delegating persistence to
// storage.Repository implementations injected at construction time. Access
// token signing and refresh token lifecycle management are provided by
// auth.TokenManager and auth.RefreshManager instances passed into the
// handler; the package does not reach for globals or singletons and expects
// callers to supply fully configured dependencies.
//
// The transcode dispatcher and event publisher are also injected so job
// submission and lifecycle notifications can be triggered without coupling
// the package to specific runtime wiring. This keeps endpoint behaviour
// testable and aligned with the wider service architecture.
//
// Handler implementations assume upstream middleware from internal/server has
// already enforced authentication, rate limiting, metrics, auditing, and
// logging concerns. New routes should preserve that contract by avoiding
// duplicate validation and by leaning on the middleware guarantees established
// in the server stack. The processing webhook is the one exception: it is
// called by the transcoder rather than a user and authenticates itself with
// a shared-secret HMAC signature.
package api
