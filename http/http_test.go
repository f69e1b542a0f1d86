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
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/tgres/sitestat/metric"
	"github.com/tgres/sitestat/query"
	"github.com/tgres/sitestat/receiver"
	"github.com/tgres/sitestat/serde"
)

var testCfg = RouterConfig{IngestToken: "in-secret", QueryToken: "q-secret", DefaultHost: "localhost"}

func newTestRouter(t *testing.T) (http.Handler, serde.SerDe) {
	db, err := serde.Open("memory:", serde.Options{})
	if err != nil {
		t.Fatal(err)
	}
	return NewRouter(receiver.New(db, 0), query.NewEngine(db, time.Hour, 0), testCfg), db
}

func do(h http.Handler, method, url, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	if token != "" {
		req.Header.Set(apiKeyHeader, token)
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func decode(t *testing.T, resp *httptest.ResponseRecorder, v interface{}) {
	if err := json.Unmarshal(resp.Body.Bytes(), v); err != nil {
		t.Fatalf("bad response body %q: %v", resp.Body.String(), err)
	}
}

func Test_Ping(t *testing.T) {
	h, _ := newTestRouter(t)
	if resp := do(h, "GET", "/ping", "", ""); resp.Code != 200 || resp.Body.String() != "OK\n" {
		t.Errorf("/ping: %d %q", resp.Code, resp.Body.String())
	}
	if resp := do(h, "GET", "/metrics", "", ""); resp.Code != 200 {
		t.Errorf("/metrics: %d", resp.Code)
	}
}

func Test_Auth(t *testing.T) {
	h, _ := newTestRouter(t)
	for _, c := range []struct{ method, url, token string }{
		{"POST", "/api/v1/collect", ""},
		{"POST", "/api/v1/collect", "q-secret"},
		{"GET", "/api/v1/hosts", ""},
		{"GET", "/api/v1/hosts", "in-secret"},
		{"GET", "/api/v1/series/abc", "wrong"},
	} {
		resp := do(h, c.method, c.url, c.token, `{"series_id": "a", "label": "a"}`)
		if resp.Code != http.StatusUnauthorized {
			t.Errorf("%s %s with %q: %d", c.method, c.url, c.token, resp.Code)
			continue
		}
		var body errorBody
		decode(t, resp, &body)
		if body.Code != codeUnauthorized {
			t.Errorf("%s %s: code %q", c.method, c.url, body.Code)
		}
	}

	// no configured token means no access
	closed := NewRouter(nil, nil, RouterConfig{})
	if resp := do(closed, "GET", "/api/v1/hosts", "", ""); resp.Code != http.StatusUnauthorized {
		t.Errorf("empty query token: %d", resp.Code)
	}
}

func Test_CollectAndQuery(t *testing.T) {
	h, _ := newTestRouter(t)
	now := time.Now().UTC()

	var payload []string
	for i := 0; i < 50; i++ {
		ts := now.Add(-time.Duration(49-i) * time.Minute).Format(time.RFC3339)
		payload = append(payload, fmt.Sprintf(`{"container_metrics": {"series_id": "abc", "label": "a.com", "cpu_usage": %d, "mem_usage": 10, "timestamp": %q}}`, i, ts))
	}
	resp := do(h, "POST", "/api/v1/collect", "in-secret", "["+strings.Join(payload, ",")+"]")
	if resp.Code != 200 {
		t.Fatalf("collect: %d %s", resp.Code, resp.Body.String())
	}
	var ok struct {
		Status string `json:"status"`
		Stored int    `json:"stored"`
	}
	decode(t, resp, &ok)
	if ok.Status != "success" || ok.Stored != 50 {
		t.Errorf("collect: %+v", ok)
	}

	var samples []*metric.Sample
	resp = do(h, "GET", "/api/v1/series/abc?period=hour&points=10", "q-secret", "")
	decode(t, resp, &samples)
	if len(samples) == 0 || len(samples) > 10 || samples[0].CPUUsage != 49 || samples[len(samples)-1].CPUUsage != 0 {
		t.Errorf("series: %d samples", len(samples))
	}
	if samples[0].Host != "localhost" {
		t.Errorf("series: host %q, want the default host", samples[0].Host)
	}

	// 15min is 30 points, all 50 fall in the hour
	resp = do(h, "GET", "/api/v1/series/abc?period=hour&time_range=15min", "q-secret", "")
	decode(t, resp, &samples)
	if len(samples) > 30 || len(samples) < 20 {
		t.Errorf("series with time_range: %d samples", len(samples))
	}

	resp = do(h, "GET", "/api/v1/series/abc/sparkline?period=30min", "q-secret", "")
	decode(t, resp, &samples)
	if len(samples) == 0 || len(samples) > 10 {
		t.Errorf("sparkline: %d samples", len(samples))
	}

	if resp = do(h, "GET", "/api/v1/series/abc?points=-1", "q-secret", ""); resp.Code != 400 {
		t.Errorf("series with bad points: %d", resp.Code)
	}

	resp = do(h, "GET", "/api/v1/series/abc/delta", "q-secret", "")
	decode(t, resp, &samples)
	if len(samples) != query.DefaultDeltaLimit || samples[len(samples)-1].CPUUsage != 49 {
		t.Errorf("delta: %d samples", len(samples))
	}

	cursor := samples[len(samples)-2].Timestamp
	resp = do(h, "GET", "/api/v1/series/abc/delta?since="+strconv.FormatInt(metric.UnixMs(cursor), 10), "q-secret", "")
	decode(t, resp, &samples)
	if len(samples) != 1 || samples[0].CPUUsage != 49 || resp.Header().Get("X-Cursor-Reset") != "" {
		t.Errorf("delta since cursor: %d samples", len(samples))
	}

	resp = do(h, "GET", "/api/v1/series/abc/delta?since=6.+5.+2017+9:08&limit=3", "q-secret", "")
	decode(t, resp, &samples)
	if resp.Header().Get("X-Cursor-Reset") != "1" || len(samples) != 3 || samples[2].CPUUsage != 49 {
		t.Errorf("delta with bad cursor: reset %q, %d samples", resp.Header().Get("X-Cursor-Reset"), len(samples))
	}

	var buckets []*metric.Bucket
	resp = do(h, "GET", "/api/v1/rollup", "q-secret", "")
	decode(t, resp, &buckets)
	if len(buckets) == 0 || len(buckets) > 2 {
		t.Errorf("rollup: %d buckets", len(buckets))
	}
	if resp = do(h, "GET", "/api/v1/rollup?hours=0", "q-secret", ""); resp.Code != 400 {
		t.Errorf("rollup with zero hours: %d", resp.Code)
	}

	var groups []*metric.HostGroup
	resp = do(h, "GET", "/api/v1/latest", "q-secret", "")
	decode(t, resp, &groups)
	if len(groups) != 1 || groups[0].Host != "localhost" || len(groups[0].Samples) != 1 {
		t.Errorf("latest: %+v", groups)
	}

	var hosts []*metric.Host
	resp = do(h, "GET", "/api/v1/hosts", "q-secret", "")
	decode(t, resp, &hosts)
	if len(hosts) != 1 || hosts[0].Status != metric.HostOnline {
		t.Errorf("hosts: %+v", hosts)
	}
}

func Test_CollectErrors(t *testing.T) {
	h, db := newTestRouter(t)

	resp := do(h, "POST", "/api/v1/collect", "in-secret", `{"container_metrics": {"series_id": "", "label": "x"}}`)
	var body errorBody
	decode(t, resp, &body)
	if resp.Code != 400 || body.Code != metric.CodeMissingFields {
		t.Errorf("collect without series_id: %d %+v", resp.Code, body)
	}
	if got, _ := db.Latest(context.Background(), "", 10); len(got) != 0 {
		t.Errorf("collect without series_id stored something")
	}

	for err, want := range map[error]struct {
		status int
		code   string
	}{
		receiver.ErrRateLimited:                              {429, codeRateLimited},
		&metric.StorageError{Op: "insert", Err: fmt.Errorf("x")}: {500, codeDbError},
	} {
		h := NewRouter(&fakeCollector{n: 2, err: err}, nil, testCfg)
		resp := do(h, "POST", "/api/v1/collect", "in-secret", `{}`)
		var body errorBody
		decode(t, resp, &body)
		if resp.Code != want.status || body.Code != want.code || body.Stored == nil || *body.Stored != 2 {
			t.Errorf("collect with %v: %d %+v", err, resp.Code, body)
		}
	}
}

type fakeCollector struct {
	n   int
	err error
}

func (f *fakeCollector) Collect(context.Context, []byte, receiver.Origin) (int, error) {
	return f.n, f.err
}

type panicQuerier struct{ *query.Engine }

func (panicQuerier) Hosts(context.Context) ([]*metric.Host, error) {
	panic("boom")
}

func (panicQuerier) Latest(context.Context) ([]*metric.HostGroup, error) {
	return nil, &metric.StorageError{Op: "latest", Err: fmt.Errorf("connection refused")}
}

func Test_QueryErrors(t *testing.T) {
	h := NewRouter(nil, panicQuerier{}, testCfg)
	if resp := do(h, "GET", "/api/v1/hosts", "q-secret", ""); resp.Code != 500 {
		t.Errorf("panicking handler: %d", resp.Code)
	}
	resp := do(h, "GET", "/api/v1/latest", "q-secret", "")
	var body errorBody
	decode(t, resp, &body)
	if resp.Code != 500 || body.Code != codeDbError {
		t.Errorf("storage error: %d %+v", resp.Code, body)
	}
}

func Test_Gzip(t *testing.T) {
	h, _ := newTestRouter(t)
	req := httptest.NewRequest("GET", "/api/v1/latest", nil)
	req.Header.Set(apiKeyHeader, "q-secret")
	req.Header.Set("Accept-Encoding", "gzip")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	if resp.Code != 200 || resp.Header().Get("Content-Encoding") != "gzip" {
		t.Errorf("gzip: %d %q", resp.Code, resp.Header().Get("Content-Encoding"))
	}
}
