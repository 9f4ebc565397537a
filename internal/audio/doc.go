// Package audio handles PCM frame assembly and audio format handling.
// It converts arbitrarily chunked byte streams into the fixed-size frames
// the speech engines require, and parses/produces WAV containers for the
// upload endpoints.
package audio
