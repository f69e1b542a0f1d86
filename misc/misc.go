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

// Package misc is misc stuff.
package misc

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BetterParseDuration is time.ParseDuration which also understands
// "min", "hour", "d", "w", "mon" (30 days) and "y".
func BetterParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)

	var (
		num  string
		unit time.Duration
	)
	switch {
	case strings.HasSuffix(s, "min"):
		num, unit = s[:len(s)-3], time.Minute
	case strings.HasSuffix(s, "hour"):
		num, unit = s[:len(s)-4], time.Hour
	case strings.HasSuffix(s, "mon"):
		num, unit = s[:len(s)-3], 30*24*time.Hour
	case strings.HasSuffix(s, "d"):
		num, unit = s[:len(s)-1], 24*time.Hour
	case strings.HasSuffix(s, "w"):
		num, unit = s[:len(s)-1], 7*24*time.Hour
	case strings.HasSuffix(s, "y"):
		num, unit = s[:len(s)-1], 365*24*time.Hour
	default:
		return time.ParseDuration(s)
	}

	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(f * float64(unit)), nil
}

// Layouts accepted for client supplied timestamps, tried in order.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an ISO 8601-ish time. Times without a zone
// are taken to be UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ParseCursor parses a canonical cursor: an RFC3339 time or integer
// milliseconds since the epoch.
func ParseCursor(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms < 0 {
			return time.Time{}, fmt.Errorf("negative cursor %d", ms)
		}
		return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond)).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid cursor %q", s)
}
