// Package audio handles PCM accumulation and WAV encoding.
// It turns arbitrarily sized inbound frames into fixed-size transcription
// windows and wraps raw PCM in a WAV container for the transcription engine.
package audio
