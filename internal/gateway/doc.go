// Package gateway serializes access to the shared transcription engine.
//
// Windows from every session enter one bounded FIFO queue and are consumed
// by a fixed worker pool. With a single worker the engine is never invoked
// concurrently. A full queue rejects submissions with ErrBackpressure rather
// than blocking the submitting session indefinitely.
package gateway
