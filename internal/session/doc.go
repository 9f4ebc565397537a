// Package session manages the lifecycle of enrollment and transcription
// sessions. Each session owns a frame assembler and the engine resources
// bound to it; the manager serializes access per session, aggregates
// per-frame engine output, and reclaims idle sessions.
package session
