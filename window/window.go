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

// Package window maps the symbolic period tokens used by the
// dashboard ("30min" .. "month") to time ranges, and holds the tables
// of how many points each kind of chart asks for.
package window

import "time"

const DefaultPeriod = "day"

var periods = map[string]time.Duration{
	"30min":   30 * time.Minute,
	"hour":    time.Hour,
	"6hours":  6 * time.Hour,
	"12hours": 12 * time.Hour,
	"day":     24 * time.Hour,
	"week":    7 * 24 * time.Hour,
	"month":   30 * 24 * time.Hour,
}

// Duration returns the length of the period. Unknown tokens are a
// day.
func Duration(period string) time.Duration {
	if d, ok := periods[period]; ok {
		return d
	}
	return periods[DefaultPeriod]
}

// Known reports whether period is one of the recognized tokens.
func Known(period string) bool {
	_, ok := periods[period]
	return ok
}

// Resolve returns the earliest timestamp (inclusive) of period as of
// now.
func Resolve(period string, now time.Time) time.Time {
	return now.Add(-Duration(period))
}

// Budget is a lookup table of point counts with a fallback.
type Budget struct {
	points map[string]int
	dflt   int
}

func (b Budget) Points(token string) int {
	if n, ok := b.points[token]; ok {
		return n
	}
	return b.dflt
}

func (b Budget) Has(token string) bool {
	_, ok := b.points[token]
	return ok
}

var (
	// Detail chart, keyed by the zoom ("time_range") token.
	DetailBudget = Budget{
		points: map[string]int{"15min": 30, "30min": 60, "1hour": 120, "2hours": 240},
		dflt:   30,
	}

	// Inline trend chart, keyed by period.
	SparklineBudget = Budget{
		points: map[string]int{"30min": 10, "hour": 12, "6hours": 15, "12hours": 20, "day": 24, "week": 28, "month": 30},
		dflt:   15,
	}

	// Full chart of a period when no zoom token is given.
	ChartBudget = Budget{
		points: map[string]int{"30min": 60, "hour": 120, "6hours": 360, "12hours": 360, "day": 288, "week": 336, "month": 360},
		dflt:   60,
	}
)
