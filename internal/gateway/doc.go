// ABOUTME: Package documentation for the HTTP gateway
// ABOUTME: Describes the request surface and failure mapping

// Package gateway exposes the bio-gateway HTTP surface: the streaming chat
// endpoint, the conversation CRUD routes used by the site UI, health probes,
// and optional Prometheus metrics.
//
// The chat endpoint validates input and hands the turn to the relay. Errors
// that occur before any event has been streamed are returned as JSON with a
// matching status code (400, 404, 429, 502); once streaming has begun the
// response is SSE to the end and failures arrive as terminal error events.
package gateway
