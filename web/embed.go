// Package web embeds the progress page served by the status server.
package web

import (
	"embed"
	"io/fs"
)

//go:embed dist/*
var embeddedFiles embed.FS

// GetFileSystem returns the page files with the "dist" prefix stripped.
func GetFileSystem() (fs.FS, error) {
	return fs.Sub(embeddedFiles, "dist")
}
