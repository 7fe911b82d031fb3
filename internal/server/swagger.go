package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v2"
)

// setupDocsRoutes mounts the OpenAPI spec and the Swagger UI page.
func (s *Server) setupDocsRoutes(r *mux.Router) {
	r.HandleFunc("/docs/openapi.yaml", s.handleOpenAPISpec).Methods(http.MethodGet)
	r.HandleFunc("/docs/openapi.json", s.handleOpenAPISpec).Methods(http.MethodGet)
	r.HandleFunc("/docs", s.handleDocsIndex).Methods(http.MethodGet)
	r.HandleFunc("/docs/", s.handleDocsIndex).Methods(http.MethodGet)
}

// handleOpenAPISpec serves the spec as YAML, or converted to JSON when
// the .json path is requested.
func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.cfg.Docs.SpecPath)
	if err != nil {
		http.Error(w, "OpenAPI spec not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if !strings.HasSuffix(r.URL.Path, ".json") {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(data)
		return
	}

	var spec any
	if err := yaml.Unmarshal(data, &spec); err != nil {
		s.logger.WithError(err).Error("Failed to parse OpenAPI spec")
		http.Error(w, "Error parsing OpenAPI spec", http.StatusInternalServerError)
		return
	}
	out, err := json.MarshalIndent(jsonable(spec), "", "  ")
	if err != nil {
		s.logger.WithError(err).Error("Failed to convert OpenAPI spec to JSON")
		http.Error(w, "Error converting OpenAPI spec", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

// jsonable rewrites the map[interface{}]interface{} trees YAML
// unmarshaling produces into map[string]interface{} so the result can be
// JSON encoded.
func jsonable(v any) any {
	switch v := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[fmt.Sprintf("%v", k)] = jsonable(val)
		}
		return out
	case []any:
		for i, item := range v {
			v[i] = jsonable(item)
		}
		return v
	default:
		return v
	}
}

// handleDocsIndex serves the Swagger UI page pointed at our spec.
func (s *Server) handleDocsIndex(w http.ResponseWriter, r *http.Request) {
	specURL := fmt.Sprintf("%s/docs/openapi.yaml", baseURL(r))

	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Switchboard - API Documentation</title>
    <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui.css" />
    <style>
        body { margin: 0; background: #fafafa; }
        .swagger-ui .topbar { display: none; }
        .header {
            background: #1f2937;
            color: white;
            padding: 1rem 2rem;
            margin-bottom: 2rem;
        }
        .header h1 { margin: 0; font-size: 1.5rem; }
        .header p { margin: 0.5rem 0 0 0; opacity: 0.8; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Switchboard API Documentation</h1>
        <p>Capability-aware routing, fallback, and caching across LLM providers</p>
    </div>
    <div id="swagger-ui"></div>

    <script src="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui-bundle.js"></script>
    <script src="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui-standalone-preset.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: '%s',
                dom_id: '#swagger-ui',
                deepLinking: true,
                presets: [SwaggerUIBundle.presets.apis, SwaggerUIStandalonePreset],
                layout: "StandaloneLayout",
                defaultModelsExpandDepth: 0,
                docExpansion: "list",
                filter: true,
                validatorUrl: null
            });
        };
    </script>
</body>
</html>`, specURL)
}

// baseURL reconstructs the externally visible origin, honoring
// reverse-proxy forwarding headers.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}
