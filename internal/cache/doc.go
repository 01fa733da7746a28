// Package cache decides whether locally stored package metadata can be served
// as-is or must be refreshed from the upstream index. The decision is pure:
// it reads the package's local flag and last synchronization time, compares
// against the configured TTL and never touches storage or the network.
package cache
