package web

import "embed"

// FS contains the embedded web assets.
//
//go:embed *.html
var FS embed.FS
