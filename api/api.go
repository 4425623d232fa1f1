// Package api carries the OpenAPI description of the public HTTP routes
// and validates responses against it.
package api

import (
	"bytes"
	"context"
	_ "embed"
	"io"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	legacyrouter "github.com/getkin/kin-openapi/routers/legacy"
	"github.com/pkg/errors"
)

//go:embed openapi.json
var Spec []byte

// Validator checks recorded responses against Spec.
type Validator struct {
	router routers.Router
}

func NewValidator(ctx context.Context) (*Validator, error) {
	loader := &openapi3.Loader{Context: ctx}
	doc, err := loader.LoadFromData(Spec)
	if err != nil {
		return nil, errors.Wrap(err, "load openapi document")
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, errors.Wrap(err, "invalid openapi document")
	}
	router, err := legacyrouter.NewRouter(doc)
	if err != nil {
		return nil, err
	}
	return &Validator{router: router}, nil
}

// ValidateResponse returns nil when status, header and body are a documented
// response of the route req was sent to.
func (v *Validator) ValidateResponse(ctx context.Context, req *http.Request, status int, header http.Header, body []byte) error {
	route, pathParams, err := v.router.FindRoute(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}

	responseValidationInput := &openapi3filter.ResponseValidationInput{
		RequestValidationInput: &openapi3filter.RequestValidationInput{
			Request:    req,
			PathParams: pathParams,
			Route:      route,
		},
		Status: status,
		Header: header,
		Body:   io.NopCloser(bytes.NewReader(body)),
	}
	return openapi3filter.ValidateResponse(ctx, responseValidationInput)
}
