// Package server exposes the transcription service over the network.
// WebSocketServer accepts streaming clients and hands each connection to a
// session.Handler. HTTPServer serves status, batch transcription and
// Prometheus endpoints on a separate listener.
package server
