// Package session implements the resumable multi-step intake form session.
//
// A Controller composes a FieldStore for scalar attributes, a Debouncer that
// coalesces their persistence, three Collection buffers for the ordered child
// records, an Augmenter for AI-assisted copy and a Navigator for the step
// sequence. The record store owns durable state; a session is a cache that is
// flushed explicitly (debounced for fields, on step exit for collections).
// Manager hosts sessions server-side, keyed by access token.
package session
