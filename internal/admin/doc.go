// Package admin exposes hub state and operator actions over HTTP.
//
// The router reads devices, clock quality and transfers through narrow
// interfaces so tests can drive it without sockets.
package admin
