// Package contracts provides the wire-level types shared by the snqueue engine
// and its transport adapters.
//
// The package defines:
//   - RawMessage: a message pulled from a reply queue, carrying an opaque body
//     and a receipt handle used for deletion and visibility changes
//   - Envelope: the notification envelope wrapping message bodies
//   - ResponseMetadata: correlation metadata attached by responding workers
//   - BatchResult: accumulated per-message results of batch operations
//
// All types are plain data and safe to copy; they carry no transport state.
package contracts
