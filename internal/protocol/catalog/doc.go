// Package catalog owns the declarative message catalog for the command channel.
//
// Ownership boundary:
// - catalog document parsing (embedded default or file override, JSONC accepted)
// - per-type Draft 7 validators merged with common fields, compiled once
// - message construction with current timestamps
// - typed rejection reasons for the command server's error replies
package catalog
