// Package job defines the engine's core types: the immutable Request, the
// mutable Job record and its state machine, the handler contract, and the
// response envelope shared by synchronous replies and webhook deliveries.
package job
