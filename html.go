package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
)

func homePage(cfg *Config) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head><meta charset="utf-8">`)
	htmlBody.WriteString(`<title>rarebird</title>`)
	htmlBody.WriteString(`<style>body{font-family:system-ui,sans-serif;margin:2rem;}a{font-size:1.2rem;}</style>`)
	htmlBody.WriteString(`</head><body><h1>rarebird</h1>`)
	htmlBody.WriteString(`<p>Pick a number from 1 to 10, then predict what percentage of the crowd picked the same one. Rare picks and sharp predictions win.</p>`)
	htmlBody.WriteString(`<a href="` + cfg.prefix + `/rarebird">Start a new game</a>`)
	htmlBody.WriteString(`</body></html>`)

	return htmlBody.String()
}

func serveHomePage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write([]byte(homePage(cfg)))
	}
}
