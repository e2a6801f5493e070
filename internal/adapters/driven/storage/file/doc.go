// Package file provides a CursorStore that keeps one JSON file per stream.
//
// Every snapshot is written to a temporary file in the same directory,
// flushed to disk and renamed over the previous file, so a crash leaves
// either the old or the new state on disk. A file that cannot be decoded is
// moved aside with a ".corrupt-<unix>" suffix and reported; the stream then
// starts from an empty state.
package file
