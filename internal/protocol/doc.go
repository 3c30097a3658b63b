// Package protocol defines the text notices and close codes exchanged with
// streaming clients. Audio travels as binary frames of raw PCM; everything the
// server sends back is a text frame, either a transcription or one of the
// notices defined here.
package protocol
