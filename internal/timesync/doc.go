// Package timesync answers UDP clock probes from devices and tracks per-device
// offset quality over a bounded rolling window.
package timesync
