// Package web embeds the creator console, a single-page app compiled into
// the API binary so a vodhub install serves its own frontend.
package web

import (
	"embed"
	"io/fs"
)

//go:embed static/*
var console embed.FS

// Assets returns the console file tree rooted at static/.
func Assets() (fs.FS, error) {
	return fs.Sub(console, "static")
}

// Index returns index.html, the shell served for any path the asset tree
// does not cover so console routes survive a reload.
func Index() ([]byte, error) {
	assets, err := Assets()
	if err != nil {
		return nil, err
	}
	return fs.ReadFile(assets, "index.html")
}
