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

package receiver

import (
	"math"

	"github.com/tgres/sitestat/metric"
	"github.com/tgres/sitestat/misc"
	"github.com/tidwall/gjson"
)

// A payload is one of:
//
//   [{"container_metrics": {...}}, {"container_metrics": {...}}]
//   {"container_metrics": {...}, "host": "web1"}
//   {"series_id": "...", "label": "...", ...}
//
// Older collectors send uuid, domain and server instead of
// series_id, label and host.

const containerKey = "container_metrics"

var (
	seriesKeys = []string{"series_id", "uuid"}
	labelKeys  = []string{"label", "domain"}
	hostKeys   = []string{"host", "server"}
)

func missingFields(msg string) error {
	return metric.NewValidationError(metric.CodeMissingFields, msg)
}

// parse returns the samples in body, all of them valid, or an error.
func parse(body []byte, origin Origin) ([]*metric.Sample, error) {
	if !gjson.ValidBytes(body) {
		return nil, metric.NewValidationError(metric.CodeBadPayload, "body is not valid JSON")
	}
	doc := gjson.ParseBytes(body)

	type record struct {
		fields gjson.Result
		host   string // used if fields do not name a host
	}
	var records []record

	switch {
	case doc.IsArray():
		elems := doc.Array()
		if len(elems) == 0 || !elems[0].Get(containerKey).Exists() {
			return nil, missingFields("array elements must carry " + containerKey)
		}
		for _, e := range elems {
			c := e.Get(containerKey)
			if !c.IsObject() {
				return nil, missingFields("array elements must carry " + containerKey)
			}
			records = append(records, record{c, first(e, hostKeys)})
		}
	case doc.IsObject() && doc.Get(containerKey).Exists():
		c := doc.Get(containerKey)
		if !c.IsObject() {
			return nil, missingFields(containerKey + " must be an object")
		}
		records = append(records, record{c, first(doc, hostKeys)})
	case doc.IsObject() && has(doc, seriesKeys) && has(doc, labelKeys):
		records = append(records, record{fields: doc})
	default:
		return nil, missingFields("Missing required fields: series_id and label")
	}

	samples := make([]*metric.Sample, 0, len(records))
	for _, rec := range records {
		s := toSample(rec.fields)
		if s.Host == "" {
			s.Host = rec.host
		}
		if s.Host == "" {
			s.Host = origin.DefaultHost
		}
		s.HostIP = origin.RemoteIP
		if err := s.Validate(); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func toSample(r gjson.Result) *metric.Sample {
	s := &metric.Sample{
		SeriesID:    first(r, seriesKeys),
		Label:       first(r, labelKeys),
		Host:        first(r, hostKeys),
		CPUUsage:    toFloat(r.Get("cpu_usage")),
		MemUsage:    toFloat(r.Get("mem_usage")),
		IOReadRate:  toInt(r.Get("io_read_rate")),
		IOWriteRate: toInt(r.Get("io_write_rate")),
	}
	if ts := r.Get("timestamp"); ts.Type == gjson.String {
		// unparseable means the time of writing
		if t, err := misc.ParseTimestamp(ts.Str); err == nil {
			s.Timestamp = t
		}
	}
	return s
}

// first returns the first of the keys present in r as a string.
func first(r gjson.Result, keys []string) string {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() && v.Type != gjson.Null {
			return v.String()
		}
	}
	return ""
}

func has(r gjson.Result, keys []string) bool {
	for _, k := range keys {
		if r.Get(k).Exists() {
			return true
		}
	}
	return false
}

// toFloat is a number, a numeric string or else 0.
func toFloat(r gjson.Result) float64 {
	switch r.Type {
	case gjson.Number:
		return r.Num
	case gjson.String:
		return r.Float()
	}
	return 0
}

func toInt(r gjson.Result) int64 {
	f := toFloat(r)
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}
