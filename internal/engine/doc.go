// Package engine defines the transcription engine contract and its HTTP implementation.
// The engine is loaded once at process start and must only be invoked through
// the gateway, which serializes access to it.
package engine
