// Package server implements the HTTP and WebSocket API: batch enrollment
// and transcription uploads, streaming endpoints, speaker listing, and the
// monitoring surface (health, sessions, config, stats, Prometheus metrics).
package server
