// Package middleware holds HTTP middleware shared by the server.
package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/types"
)

// ValidationConfig controls OpenAPI request validation.
type ValidationConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	SpecPath string `yaml:"spec_path" json:"spec_path"`

	// Strict rejects requests whose path is not documented in the spec.
	// Off, undocumented routes pass through unvalidated.
	Strict bool `yaml:"strict" json:"strict"`
}

// Validation checks incoming requests against the OpenAPI document
// before they reach a handler.
type Validation struct {
	cfg    ValidationConfig
	router routers.Router
	logger *logrus.Logger
}

// NewValidation loads and validates the OpenAPI document. With the
// middleware disabled it returns a pass-through instance without
// touching the spec file.
func NewValidation(cfg ValidationConfig, logger *logrus.Logger) (*Validation, error) {
	v := &Validation{cfg: cfg, logger: logger}
	if !cfg.Enabled {
		return v, nil
	}

	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true
	doc, err := loader.LoadFromFile(cfg.SpecPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec %s: %w", cfg.SpecPath, err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI spec %s: %w", cfg.SpecPath, err)
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to build OpenAPI router: %w", err)
	}
	v.router = router

	logger.WithFields(logrus.Fields{
		"spec_path": cfg.SpecPath,
		"strict":    cfg.Strict,
	}).Info("Request validation enabled")
	return v, nil
}

// Middleware validates each request and answers schema violations with
// 400 before the handler runs.
func (v *Validation) Middleware(next http.Handler) http.Handler {
	if !v.cfg.Enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.validateRequest(r); err != nil {
			v.logger.WithError(err).WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Warn("Request validation failed")
			v.writeValidationError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (v *Validation) validateRequest(r *http.Request) error {
	route, pathParams, err := v.router.FindRoute(r)
	if err != nil {
		if errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed) {
			if v.cfg.Strict {
				return fmt.Errorf("path %s %s is not documented", r.Method, r.URL.Path)
			}
			return nil
		}
		return fmt.Errorf("route lookup failed: %w", err)
	}

	// The body is re-readable for the handler: ValidateRequest reads it
	// and puts a fresh reader back on the request.
	if r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
	}
	return openapi3filter.ValidateRequest(r.Context(), input)
}

func (v *Validation) writeValidationError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(types.ErrorResponse{Error: types.ErrorDetail{
		Kind:    string(types.ErrKindValidation),
		Message: err.Error(),
	}})
}
