// Package command owns the device command channel.
//
// Ownership boundary:
// - TCP accept loop with one read goroutine per device connection
// - device registry with capacity, heartbeat expiry, and GSR leadership
// - message dispatch to handlers with structured error replies
// - best-effort per-device broadcasts for session and sync commands
// - typed lifecycle events for the surrounding application
package command
