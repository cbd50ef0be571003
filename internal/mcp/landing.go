package mcp

import (
	"html/template"
	"log/slog"
	"net/http"
)

var landingTemplate = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Name}}</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif; background: #f8fafc; color: #0f172a; min-height: 100vh; display: flex; align-items: center; justify-content: center; }
  .card { max-width: 640px; width: 90%; background: #ffffff; border: 1px solid #e2e8f0; border-radius: 12px; padding: 2.5rem; }
  h1 { font-size: 1.5rem; margin-bottom: 0.5rem; }
  .subtitle { color: #475569; margin-bottom: 1.5rem; }
  .warning { background: #fef3c7; border-left: 4px solid #d97706; padding: 0.75rem 1rem; margin-bottom: 1.5rem; font-size: 0.9rem; }
  .section-title { font-size: 0.75rem; text-transform: uppercase; letter-spacing: 0.1em; color: #64748b; margin: 1.25rem 0 0.5rem; }
  .endpoint { font-family: "SF Mono", Menlo, monospace; font-size: 0.9rem; color: #1d4ed8; }
  td { padding: 0.2rem 1rem 0.2rem 0; vertical-align: top; }
  .stat { font-weight: 600; }
</style>
</head>
<body>
<div class="card">
  <h1>{{.Name}}</h1>
  <p class="subtitle">Retrieval-augmented answers and treatment suggestions over patient records and research papers.</p>
  <p class="warning">Suggestions are preliminary and intended for review by medical professionals only.</p>

  <div class="section-title">Index</div>
  <table>
    <tr><td>Documents</td><td class="stat">{{.Documents}}</td></tr>
    <tr><td>Chunks</td><td class="stat">{{.Chunks}}</td></tr>
    <tr><td>Generation</td><td class="stat">{{.Generation}}</td></tr>
  </table>

  <div class="section-title">Endpoints</div>
  <table>
    <tr><td class="endpoint">POST /v1/query</td><td>question answering</td></tr>
    <tr><td class="endpoint">POST /v2/answer</td><td>prompt in, response out</td></tr>
    <tr><td class="endpoint">POST /v1/agent</td><td>treatment suggestion for a patient</td></tr>
    <tr><td class="endpoint">GET /v1/patients</td><td>patient ids</td></tr>
    <tr><td class="endpoint">GET /v1/index/status</td><td>index and sync status</td></tr>
    <tr><td class="endpoint">/mcp</td><td>MCP Streamable HTTP</td></tr>
    <tr><td class="endpoint">GET /readyz</td><td>readiness</td></tr>
  </table>
</div>
</body>
</html>`))

type landingData struct {
	Name       string
	Documents  int
	Chunks     int
	Generation uint64
}

// NewLandingHandler serves a status page at /. stats may be nil.
func NewLandingHandler(name string, stats StatusSource, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		data := landingData{Name: name}
		if stats != nil {
			st := stats.Stats()
			data.Documents, data.Chunks, data.Generation = st.Documents, st.Chunks, st.Generation
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := landingTemplate.Execute(w, data); err != nil {
			logger.Warn("render landing page", "error", err)
		}
	}
}
