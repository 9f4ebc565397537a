// Package profile persists speaker profiles as opaque named blobs on disk.
// Completed enrollments live as <name>.bin files in the store directory;
// partial enrollment state is parked under pending/ and never listed.
package profile
