// Package gsr accumulates skin conductance batches into one dataset per
// session and device.
//
// Batches are only checked structurally: points missing timestamp_ms or
// gsr_us are dropped, everything else is kept. Out-of-order timestamps,
// sequence gaps and long pauses are counted for diagnostics. Datasets are
// written as JSON to <data_dir>/<session_id>/<device_id>/gsr_<session>_<device>.json
// as checkpoints while the session runs and once more when it ends.
package gsr
