// Package vad provides an energy-based voice activity gate.
// Windows that carry no speech-level energy can be dropped before they
// reach the transcription engine.
package vad
