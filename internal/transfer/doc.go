// Package transfer pulls recorded files off devices into the session data
// tree.
//
// Files land at <data_dir>/<session_id>/<device_id>/<filename>. Each job reads
// fixed-size chunks from a Source starting at the local file's current length,
// so an interrupted job resumes where the bytes on disk end. A job completes
// only after the whole file hashes to the manifest's SHA-256; failed attempts
// are retried up to the configured limit. Compressed artifacts (gzip, lz4,
// zstd) can be expanded beside the verified original.
//
// SaveState and LoadState persist jobs across restarts.
package transfer
