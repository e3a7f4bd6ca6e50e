package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"pastelite/pkg/domain"
)

// Only &, < and > are replaced; quotes and everything else pass through as-is.
var contentEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func EscapeContent(s string) string {
	return contentEscaper.Replace(s)
}

const viewPage = `<!doctype html>
<html><head><meta charset="utf-8"><title>Paste</title></head>
<body><pre>%s</pre></body></html>`

// the page posts JSON with fetch, so it needs inline script and a same-origin connect
const indexCSP = "default-src 'none'; script-src 'unsafe-inline'; style-src 'unsafe-inline'; connect-src 'self'; frame-ancestors 'none';"

const indexPage = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Pastebin Lite</title>
  <style>
    body { font-family: Arial; padding: 30px; }
    textarea { width: 100%; height: 150px; }
    button { padding: 10px 20px; margin-top: 10px; }
  </style>
</head>
<body>
  <h2>Pastebin Lite</h2>
  <textarea id="content" placeholder="Enter text here..."></textarea><br>
  <label>TTL (seconds):</label>
  <input type="number" id="ttl" min="1"><br><br>
  <label>Max Views:</label>
  <input type="number" id="views" min="1"><br><br>
  <button id="create">Create Paste</button>
  <p id="result"></p>
  <script>
    document.getElementById('create').addEventListener('click', async function () {
      const content = document.getElementById('content').value;
      const ttl = document.getElementById('ttl').value;
      const views = document.getElementById('views').value;
      const res = await fetch('/api/pastes', {
        method: 'POST',
        headers: { 'Content-Type': 'application/json' },
        body: JSON.stringify({
          content,
          ttl_seconds: ttl ? Number(ttl) : undefined,
          max_views: views ? Number(views) : undefined
        })
      });
      const data = await res.json();
      const result = document.getElementById('result');
      result.textContent = '';
      if (!res.ok) {
        result.textContent = 'Error: ' + data.error;
        return;
      }
      const link = document.createElement('a');
      link.href = data.url;
      link.target = '_blank';
      link.rel = 'noopener';
      link.textContent = data.url;
      result.append('Paste URL: ', link);
    });
  </script>
</body>
</html>
`

func (h *Hdl) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Security-Policy", indexCSP)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(indexPage))
}

// ViewPaste renders content as escaped text. It counts as a view exactly like
// the JSON endpoint.
func (h *Hdl) ViewPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	id := chi.URLParam(r, "id")
	view, err := h.paste.Fetch(r.Context(), id)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if errors.Is(err, domain.ErrPasteNotFound) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("Not found"))
			return
		}
		log.Error().Err(err).Str("paste_id", id).Msg("view failed")
		w.WriteHeader(domain.Status(err))
		w.Write([]byte(http.StatusText(domain.Status(err))))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, viewPage, EscapeContent(view.Content))
}
