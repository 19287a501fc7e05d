// Package conversation defines the message model of a thread and the
// context window builder that bounds what is sent to the model.
//
// Invariants:
// - State.Messages is append-only.
// - BuildWindow never reorders messages and always keeps the last real
//   human message and everything after it unchanged.
// - Synthetic human messages never count as turns.
package conversation
