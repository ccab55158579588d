package web

import (
	"embed"
)

// staticFiles holds the embedded page, served at / and /static/.
//
//go:embed static/*
var staticFiles embed.FS
