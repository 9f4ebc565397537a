// Package engine defines the boundary to the speech engines: per-session
// stateful processors for transcription, speaker enrollment, and speaker
// scoring. The core treats engine instances as scoped resources with
// explicit acquire/release and strictly ordered frame input.
package engine
