// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpfmt formats HTTP responses for the merchant backend.
//
// Error responses follow the Taler convention: a JSON object with a stable
// numeric "code" and a human-readable "hint", with the HTTP status carrying
// the retryability class.
package httpfmt

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// JSON writes the data as a JSON response with the given status code.
func JSON(w http.ResponseWriter, r *http.Request, data any, code int) {
	body, err := json.Marshal(data)
	if err != nil {
		slog.ErrorContext(r.Context(), "error marshalling json response", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(code)
	_, err = w.Write(body)
	if err != nil {
		slog.ErrorContext(r.Context(), "error writing json response", "error", err)
		return
	}
}

// ErrorBody is the wire form of every error response.
type ErrorBody struct {
	Code int    `json:"code"`
	Hint string `json:"hint"`
	// CoinIndex is set when a specific coin caused the failure.
	CoinIndex *int `json:"coin_idx,omitempty"`
	// ExchangeStatus is set when an upstream exchange reported the failure.
	ExchangeStatus int `json:"exchange_status,omitempty"`
}

// JSONTalerError writes a Taler error body with the given HTTP status.
func JSONTalerError(w http.ResponseWriter, r *http.Request, body ErrorBody, status int) {
	// Mark span from calling function as errored.
	span := trace.SpanFromContext(r.Context())
	span.SetStatus(codes.Error, body.Hint)

	JSON(w, r, body, status)
}

// JSONBadRequest is a convenience function that returns a status 400 response.
func JSONBadRequest(w http.ResponseWriter, r *http.Request, code int, hint string) {
	JSONTalerError(w, r, ErrorBody{Code: code, Hint: hint}, http.StatusBadRequest)
}

// JSONServerError is a convenience function that returns a status 500 response
// without exposing error information to the client.
func JSONServerError(w http.ResponseWriter, r *http.Request, code int) {
	JSONTalerError(w, r, ErrorBody{Code: code, Hint: "internal server error"}, http.StatusInternalServerError)
}

// JSONHealthCheck is a convenience function that writes a status 200 healthcheck response.
// useful for simple services that don't have dependencies.
func JSONHealthCheck(w http.ResponseWriter, r *http.Request) {
	type body struct {
		Status string `json:"status"`
	}

	JSON(w, r, body{Status: "OK"}, http.StatusOK)
}
