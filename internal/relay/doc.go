// ABOUTME: Package documentation for the stream relay
// ABOUTME: Describes the turn lifecycle and persistence guarantees

// Package relay bridges the upstream agent's event stream to a downstream
// sink for one chat turn at a time.
//
// Each turn opens exactly one upstream connection. Events are forwarded in
// arrival order with their payloads untouched, while a Turn folds them into
// the final assistant message. On a clean done the relay appends the user
// message and then the assistant message before forwarding done; on an error
// event, abnormal close, or idle timeout nothing is persisted. A derived turn
// key makes retried turns stream without double-appending.
package relay
