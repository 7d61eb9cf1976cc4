// Copyright 2026 The zombiezen Go Gallery Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package galleryserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/semconv/v1.7.0"
	"go.opentelemetry.io/otel/trace"
	"zombiezen.com/go/log"
)

const maxRequestSize = 1 << 20 // 1 MiB

type apiRequest struct {
	host     string
	pathVars map[string]string
	header   http.Header
	body     json.RawMessage
}

type apiResponse struct {
	statusCode int
	body       json.RawMessage
}

// newResponse wraps value in the success envelope.
func newResponse(statusCode int, value interface{}) (*apiResponse, error) {
	resp := &apiResponse{statusCode: statusCode}
	var err error
	resp.body, err = json.Marshal(map[string]interface{}{
		"success": true,
		"data":    value,
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (resp *apiResponse) writeTo(w http.ResponseWriter) {
	w.Header().Set(contentTypeHeaderName, "application/json; charset=utf-8")
	w.Header().Set(contentLengthHeaderName, strconv.Itoa(len(resp.body)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if resp.statusCode != 0 {
		w.WriteHeader(resp.statusCode)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	w.Write(resp.body)
}

type apiError struct {
	err            error
	httpStatusCode int
}

func (e *apiError) Error() string {
	return e.err.Error()
}

func (e *apiError) Unwrap() error {
	return e.err
}

func badRequest(format string, args ...interface{}) error {
	return &apiError{
		httpStatusCode: http.StatusBadRequest,
		err:            fmt.Errorf(format, args...),
	}
}

func notFound(format string, args ...interface{}) error {
	return &apiError{
		httpStatusCode: http.StatusNotFound,
		err:            fmt.Errorf(format, args...),
	}
}

type apiHandlerFunc func(ctx context.Context, r *apiRequest) (*apiResponse, error)

// apiHandler adapts an apiHandlerFunc to http.Handler,
// tracing each request and logging server-side failures.
type apiHandler struct {
	srv *Server
	f   apiHandlerFunc
}

func (srv *Server) api(f apiHandlerFunc) http.Handler {
	return apiHandler{srv: srv, f: f}
}

func (h apiHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := r.URL.Path
	if cr := mux.CurrentRoute(r); cr != nil {
		if tmpl, err := cr.GetPathTemplate(); err == nil {
			route = tmpl
		}
	}
	ctx, span := tracer().Start(
		r.Context(),
		fmt.Sprintf("Gallery %s %s", r.Method, route),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(semconv.HTTPServerAttributesFromHTTPRequest("gallery", route, r)...),
	)
	defer span.End()

	areq := &apiRequest{
		host:     r.Host,
		pathVars: mux.Vars(r),
		header:   r.Header,
	}
	if r.ContentLength != 0 { // includes unknown length
		if err := readJSONRequest(r, &areq.body); err != nil {
			h.writeError(ctx, w, span, &apiError{
				httpStatusCode: http.StatusBadRequest,
				err:            fmt.Errorf("failed to read request body: %w", err),
			})
			return
		}
	}
	aresp, err := h.f(ctx, areq)
	if err != nil {
		h.writeError(ctx, w, span, err)
		return
	}
	span.SetAttributes(semconv.HTTPAttributesFromHTTPStatusCode(aresp.statusCode)...)
	aresp.writeTo(w)
}

func (h apiHandler) writeError(ctx context.Context, w http.ResponseWriter, span trace.Span, err error) {
	code := writeErrorResponse(w, err)
	span.SetAttributes(semconv.HTTPAttributesFromHTTPStatusCode(code)...)
	if code >= 500 {
		span.RecordError(err)
		span.SetStatus(codes.Error, "")
		h.srv.mu.Lock()
		logger := h.srv.logger
		h.srv.mu.Unlock()
		log.Logf(ctx, logger, log.Error, "API request failed: %v", err)
	}
}

func readJSONRequest(r *http.Request, dst interface{}) error {
	ctHeader := r.Header.Get(contentTypeHeaderName)
	if ct, _, err := mime.ParseMediaType(ctHeader); err != nil || ct != "application/json" {
		return fmt.Errorf(
			"read json request: %s = %s (want application/json)",
			contentTypeHeaderName, ctHeader,
		)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize+1))
	if err != nil {
		return fmt.Errorf("read json request: %v", err)
	}
	if len(body) > maxRequestSize {
		return fmt.Errorf("read json request: body larger than %d bytes", maxRequestSize)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("read json request: %v", err)
	}
	return nil
}

// writeErrorResponse writes err in the failure envelope
// and returns the HTTP status code used.
func writeErrorResponse(w http.ResponseWriter, err error) int {
	httpStatusCode := http.StatusInternalServerError
	if apiErr := (*apiError)(nil); errors.As(err, &apiErr) {
		if apiErr.httpStatusCode != 0 {
			httpStatusCode = apiErr.httpStatusCode
		}
	}
	data, err := json.Marshal(map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	})
	if err != nil {
		data = []byte(`{"success": false, "error": "<failed to marshal error>"}`)
	}
	w.Header().Set(contentTypeHeaderName, "application/json; charset=utf-8")
	w.Header().Set(contentLengthHeaderName, strconv.Itoa(len(data)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(httpStatusCode)
	w.Write(data)
	return httpStatusCode
}

var errUnauthorized error = &apiError{
	err:            errors.New("invalid Authorization header"),
	httpStatusCode: http.StatusUnauthorized,
}
