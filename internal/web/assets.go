package web

import _ "embed"

// Fallback caption board, used when no external web root is configured.
//
//go:embed static/index.html
var indexHTML []byte
