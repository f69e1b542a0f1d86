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

// Package http contains the HTTP handlers of the collect and query
// API.
package http

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/tgres/sitestat/metric"
	"github.com/tgres/sitestat/misc"
	"github.com/tgres/sitestat/receiver"
	"github.com/tgres/sitestat/stats"
	"github.com/tgres/sitestat/window"
)

// Collect bodies larger than this are refused.
const maxBodyBytes = 4 << 20

type Collector interface {
	Collect(ctx context.Context, body []byte, origin receiver.Origin) (int, error)
}

type Querier interface {
	Series(ctx context.Context, seriesID, period string, target int) ([]*metric.Sample, error)
	Since(ctx context.Context, seriesID string, after *time.Time, limit int) ([]*metric.Sample, error)
	Rollup(ctx context.Context, hoursBack, points int) ([]*metric.Bucket, error)
	Latest(ctx context.Context) ([]*metric.HostGroup, error)
	Hosts(ctx context.Context) ([]*metric.Host, error)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// CollectHandler stores the samples in the request body. Samples
// which do not name a host are attributed to defaultHost.
func CollectHandler(rcvr Collector, defaultHost string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer recoverer("CollectHandler", w)

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			log.Printf("CollectHandler: error reading body: %v", err)
			writeError(w, metric.NewValidationError(metric.CodeBadPayload, err.Error()))
			return
		}

		origin := receiver.Origin{RemoteIP: remoteIP(r), DefaultHost: defaultHost}
		n, err := rcvr.Collect(r.Context(), body, origin)
		if err != nil {
			status, code := errorStatus(err)
			resp := &errorBody{Code: code, Message: err.Error()}
			if n > 0 {
				resp.Stored = &n
			}
			writeJSON(w, status, resp)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "stored": n})
	}
}

// intParam returns the named form value as a positive int, dflt if
// it is absent.
func intParam(r *http.Request, name string, dflt int) (int, error) {
	s := r.FormValue(name)
	if s == "" {
		return dflt, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, metric.NewValidationError(metric.CodeBadArgument, fmt.Sprintf("%s must be a positive integer, got %q", name, s))
	}
	return n, nil
}

func period(r *http.Request) string {
	if p := r.FormValue("period"); p != "" {
		return p
	}
	return window.DefaultPeriod
}

// SeriesHandler returns the downsampled series for a chart. The
// number of points comes from the zoom (time_range) if given, else
// from the period, and an explicit points parameter overrides both.
func SeriesHandler(q Querier) http.HandlerFunc {
	return makeGzipHandler(func(w http.ResponseWriter, r *http.Request) {
		defer recoverer("SeriesHandler", w)

		p := period(r)
		dflt := window.ChartBudget.Points(p)
		if tr := r.FormValue("time_range"); tr != "" {
			dflt = window.DetailBudget.Points(tr)
		}
		points, err := intParam(r, "points", dflt)
		if err != nil {
			writeError(w, err)
			return
		}

		result, err := q.Series(r.Context(), mux.Vars(r)["series_id"], p, points)
		if err != nil {
			log.Printf("SeriesHandler: %v", err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
}

// SparklineHandler is SeriesHandler with the small budget of inline
// trend charts.
func SparklineHandler(q Querier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer recoverer("SparklineHandler", w)

		p := period(r)
		result, err := q.Series(r.Context(), mux.Vars(r)["series_id"], p, window.SparklineBudget.Points(p))
		if err != nil {
			log.Printf("SparklineHandler: %v", err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// DeltaHandler returns samples newer than the since cursor. A cursor
// which cannot be parsed is treated as absent, the response then
// carries X-Cursor-Reset so that the client replaces what it has.
func DeltaHandler(q Querier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer recoverer("DeltaHandler", w)

		// bad or missing limit is the default
		limit, _ := strconv.Atoi(r.FormValue("limit"))

		var after *time.Time
		if s := r.FormValue("since"); s != "" {
			if t, err := misc.ParseCursor(s); err != nil {
				log.Printf("DeltaHandler: %v, reloading", err)
				stats.CursorResets.Inc()
				w.Header().Set("X-Cursor-Reset", "1")
			} else {
				after = &t
			}
		}

		result, err := q.Since(r.Context(), mux.Vars(r)["series_id"], after, limit)
		if err != nil {
			log.Printf("DeltaHandler: %v", err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// RollupHandler returns hourly averages of all series, by default 12
// of the last 24 hours.
func RollupHandler(q Querier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer recoverer("RollupHandler", w)

		hours, err := intParam(r, "hours", 24)
		if err != nil {
			writeError(w, err)
			return
		}
		points, err := intParam(r, "points", 12)
		if err != nil {
			writeError(w, err)
			return
		}

		result, err := q.Rollup(r.Context(), hours, points)
		if err != nil {
			log.Printf("RollupHandler: %v", err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func LatestHandler(q Querier) http.HandlerFunc {
	return makeGzipHandler(func(w http.ResponseWriter, r *http.Request) {
		defer recoverer("LatestHandler", w)

		result, err := q.Latest(r.Context())
		if err != nil {
			log.Printf("LatestHandler: %v", err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
}

func HostsHandler(q Querier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer recoverer("HostsHandler", w)

		result, err := q.Hosts(r.Context())
		if err != nil {
			log.Printf("HostsHandler: %v", err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}
