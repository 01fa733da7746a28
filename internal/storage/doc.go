// Package storage lays uploaded artifacts out on disk as
// StoragePath/<bucket>/<filename>, where bucket is the lower-cased first
// character of the filename. Writes go through a temp file + rename so a
// re-upload replaces the previous content in place, and reads hand back a
// seekable reader for the download route.
package storage
