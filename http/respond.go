//
// Copyright 2017 Gregory Trubetskoy. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"compress/gzip"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/tgres/sitestat/metric"
	"github.com/tgres/sitestat/receiver"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Error codes of responses which are not a ValidationError.
const (
	codeRateLimited  = "rate_limited"
	codeDbError      = "db_error"
	codeUnauthorized = "unauthorized"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stored  *int   `json:"stored,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON(): %v", err)
	}
}

// errorStatus maps an error to the response status and body code.
func errorStatus(err error) (int, string) {
	var ve *metric.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Code
	case errors.Is(err, receiver.ErrRateLimited):
		return http.StatusTooManyRequests, codeRateLimited
	}
	return http.StatusInternalServerError, codeDbError
}

func writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	writeJSON(w, status, &errorBody{Code: code, Message: err.Error()})
}

// recoverer logs the panic of a handler, the request is answered
// with a 500 unless something was written already.
func recoverer(name string, w http.ResponseWriter) {
	if rc := recover(); rc != nil {
		log.Printf("%s: Recovered (this request is dropped): %v", name, rc)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// Gzip Compression
type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w gzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

func makeGzipHandler(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			fn(w, r)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		fn(gzipResponseWriter{Writer: gz, ResponseWriter: w}, r)
	}
}
