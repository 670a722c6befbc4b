// Package registry reads the remote extension catalog.
//
// The registry is a GitHub repository with one folder per extension. The
// client lists the folders through the contents API, fetches each
// manifest.json and icon.png from raw content URLs, and keeps the result in
// an immutable Snapshot that is swapped whole.
//
// Fetches run in groups of BatchSize with BatchDelay between groups. Before
// refreshing, the client checks the quota; when it is exhausted or the
// registry is unreachable, ListAvailable serves the last snapshot with
// Catalog.Degraded set. All HTTP outcomes are mapped by Classify.
package registry
