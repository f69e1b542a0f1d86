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
	"crypto/subtle"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tgres/sitestat/stats"
)

const apiKeyHeader = "X-API-Key"

type RouterConfig struct {
	IngestToken string
	QueryToken  string
	DefaultHost string
}

// RequireToken lets through only requests carrying token in the
// X-API-Key header. An empty token lets nothing through.
func RequireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(apiKeyHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			log.Printf("RequireToken: unauthorized %s %s from %s", r.Method, r.URL.Path, remoteIP(r))
			writeJSON(w, http.StatusUnauthorized, &errorBody{Code: codeUnauthorized, Message: "invalid or missing API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// instrument counts requests by route template and status.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unknown"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		stats.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		stats.HTTPRequests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
	})
}

// NewRouter returns the handler of all sitestat HTTP endpoints.
func NewRouter(rcvr Collector, q Querier, cfg RouterConfig) *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)

	r.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) { fmt.Fprintf(w, "OK\n") }).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.Handle("/api/v1/collect", RequireToken(cfg.IngestToken, CollectHandler(rcvr, cfg.DefaultHost))).Methods("POST")

	api := r.PathPrefix("/api/v1").Methods("GET").Subrouter()
	api.Use(func(next http.Handler) http.Handler { return RequireToken(cfg.QueryToken, next) })
	api.Handle("/series/{series_id}", SeriesHandler(q))
	api.Handle("/series/{series_id}/delta", DeltaHandler(q))
	api.Handle("/series/{series_id}/sparkline", SparklineHandler(q))
	api.Handle("/rollup", RollupHandler(q))
	api.Handle("/latest", LatestHandler(q))
	api.Handle("/hosts", HostsHandler(q))

	return r
}
