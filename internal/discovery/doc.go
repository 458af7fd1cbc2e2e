// Package discovery lists, fetches and deletes worker artifacts.
//
// A Source is wherever generated worker programs are published. Two
// implementations exist: DirSource for a local directory (optionally watched
// with fsnotify so new files trigger a repopulate) and GCSSource for a Google
// Cloud Storage bucket.
package discovery
