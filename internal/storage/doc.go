// Package storage persists the plugin catalog across restarts.
//
// It stores:
//   - The latest plugin snapshot (replaced wholesale on every persist run)
//   - An append-only log of plugin health transitions
package storage
