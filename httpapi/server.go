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

// Package httpapi is the merchant's public payment HTTP API.
package httpapi

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/httpfmt"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/otel/otelutil"
	"github.com/prototypefund/Digital-Bargeld-merchant-sub001/pay"
)

const maxPayBodySize = 1 << 20

// Server serves the merchant payment API.
type Server struct {
	orch    *pay.Orchestrator
	handler http.Handler
}

func NewServer(orch *pay.Orchestrator) *Server {
	mux := http.NewServeMux()
	otelutil.ServeMuxHandle(mux, "POST /pay", NewPayHandler(orch))
	otelutil.ServeMuxHandle(mux, "GET /_health", http.HandlerFunc(httpfmt.JSONHealthCheck))
	return &Server{
		orch:    orch,
		handler: mux,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func NewPayHandler(orch *pay.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// requestID correlates log lines across the pay pipeline.
		requestID := uuid.Must(uuid.NewV7()).String()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxPayBodySize))
		if err != nil {
			slog.ErrorContext(r.Context(), "failed to read pay body", "request_id", requestID, "error", err)
			httpfmt.JSONBadRequest(w, r, pay.CodeMalformedRequest, "failed to read request body")
			return
		}

		resp, perr := orch.Pay(r.Context(), body)
		if perr != nil {
			writeErrorResponse(w, r, requestID, perr)
			return
		}

		httpfmt.JSON(w, r, resp, http.StatusOK)
	}
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, requestID string, perr *pay.Error) {
	if perr.HTTPStatus >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "payment failed",
			"request_id", requestID, "code", perr.Code, "hint", perr.Hint, "error", perr.Err)
	} else {
		slog.InfoContext(r.Context(), "payment rejected",
			"request_id", requestID, "code", perr.Code, "hint", perr.Hint)
	}

	body := httpfmt.ErrorBody{
		Code:           perr.Code,
		Hint:           perr.Hint,
		ExchangeStatus: perr.ExchangeStatus,
	}
	if perr.CoinIndex >= 0 {
		idx := perr.CoinIndex
		body.CoinIndex = &idx
	}
	httpfmt.JSONTalerError(w, r, body, perr.HTTPStatus)
}
