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

// Package query answers the questions the dashboard asks: a
// downsampled series for a chart, what is new since a cursor, hourly
// averages across all series, the latest sample of everything and
// the list of hosts.
package query

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/tgres/sitestat/metric"
	"github.com/tgres/sitestat/serde"
	"github.com/tgres/sitestat/stats"
	"github.com/tgres/sitestat/window"
)

// Since returns this many samples when asked for a non-positive
// number.
const DefaultDeltaLimit = 10

// Larger requests are cut down to these.
const (
	MaxPoints      = 1000     // Series target and Rollup points
	MaxDeltaLimit  = 1000     // Since limit
	MaxRollupHours = 24 * 366 // Rollup hoursBack
)

var timeNow = func() time.Time {
	return time.Now()
}

type Engine struct {
	db       serde.Reader
	lookback time.Duration
	rollups  *cache.Cache
}

// NewEngine returns an Engine reading from db. Latest considers
// samples no older than lookback. Rollups are cached for rollupTTL,
// 0 disables the cache.
func NewEngine(db serde.Reader, lookback, rollupTTL time.Duration) *Engine {
	e := &Engine{db: db, lookback: lookback}
	if rollupTTL > 0 {
		e.rollups = cache.New(rollupTTL, 2*rollupTTL)
	}
	return e
}

// Series returns at most target samples of the period, newest first,
// spread evenly over it. The oldest and the newest sample of the
// period are always among them.
func (e *Engine) Series(ctx context.Context, seriesID, period string, target int) ([]*metric.Sample, error) {
	if seriesID == "" {
		return nil, metric.NewValidationError(metric.CodeMissingFields, "series_id is required")
	}
	if target <= 0 {
		return nil, metric.NewValidationError(metric.CodeBadArgument, fmt.Sprintf("points must be positive, got %d", target))
	}
	if target > MaxPoints {
		target = MaxPoints
	}

	from := window.Resolve(period, timeNow())

	var result []*metric.Sample
	err := e.db.ScanWindow(ctx, seriesID, from, func(count int, it serde.SampleIter) error {
		var err error
		result, err = downsample(count, target, it)
		return err
	})
	if err != nil {
		return nil, metric.StorageErr("series", err)
	}
	return result, nil
}

// Since returns what came in after the cursor, oldest first. A nil
// cursor means the most recent limit samples.
func (e *Engine) Since(ctx context.Context, seriesID string, after *time.Time, limit int) ([]*metric.Sample, error) {
	if seriesID == "" {
		return nil, metric.NewValidationError(metric.CodeMissingFields, "series_id is required")
	}
	if limit <= 0 {
		limit = DefaultDeltaLimit
	} else if limit > MaxDeltaLimit {
		limit = MaxDeltaLimit
	}

	if after == nil {
		ss, err := e.db.Latest(ctx, seriesID, limit)
		if err != nil {
			return nil, metric.StorageErr("since", err)
		}
		for i, j := 0, len(ss)-1; i < j; i, j = i+1, j-1 {
			ss[i], ss[j] = ss[j], ss[i]
		}
		return ss, nil
	}

	ss, err := e.db.Since(ctx, seriesID, *after, limit)
	if err != nil {
		return nil, metric.StorageErr("since", err)
	}
	return ss, nil
}

// Rollup averages cpu and memory usage of all series by hour over
// the last hoursBack hours, earliest hour first, at most points of
// them.
func (e *Engine) Rollup(ctx context.Context, hoursBack, points int) ([]*metric.Bucket, error) {
	if hoursBack <= 0 || points <= 0 {
		return nil, metric.NewValidationError(metric.CodeBadArgument,
			fmt.Sprintf("hours and points must be positive, got %d and %d", hoursBack, points))
	}
	if hoursBack > MaxRollupHours {
		hoursBack = MaxRollupHours
	}
	if points > MaxPoints {
		points = MaxPoints
	}

	key := fmt.Sprintf("%d:%d", hoursBack, points)
	if e.rollups != nil {
		if v, ok := e.rollups.Get(key); ok {
			stats.RollupCacheHits.Inc()
			return v.([]*metric.Bucket), nil
		}
	}

	from := timeNow().Add(-time.Duration(hoursBack) * time.Hour)
	buckets, err := e.db.Rollup(ctx, from, points)
	if err != nil {
		return nil, metric.StorageErr("rollup", err)
	}
	if e.rollups != nil {
		e.rollups.Set(key, buckets, cache.DefaultExpiration)
	}
	return buckets, nil
}

// Latest returns the most recent sample of every series, grouped by
// the host it came from.
func (e *Engine) Latest(ctx context.Context) ([]*metric.HostGroup, error) {
	samples, err := e.db.LatestPerSeries(ctx, timeNow().Add(-e.lookback))
	if err != nil {
		return nil, metric.StorageErr("latest", err)
	}

	result := []*metric.HostGroup{}
	var group *metric.HostGroup
	for _, s := range samples {
		if group == nil || group.Host != s.Host {
			group = &metric.HostGroup{Host: s.Host, HostIP: e.hostIP(ctx, s.Host)}
			result = append(result, group)
		}
		group.Samples = append(group.Samples, s)
	}
	return result, nil
}

func (e *Engine) hostIP(ctx context.Context, host string) string {
	ip, err := e.db.HostIP(ctx, host)
	if err != nil {
		log.Printf("Latest(): unable to look up address of %q: %v", host, err)
	}
	if ip == "" {
		return host
	}
	return ip
}

// Hosts returns all known hosts, primary first, with the status as
// of now.
func (e *Engine) Hosts(ctx context.Context) ([]*metric.Host, error) {
	hosts, err := e.db.Hosts(ctx)
	if err != nil {
		return nil, metric.StorageErr("hosts", err)
	}
	now := timeNow()
	for _, h := range hosts {
		h.Status = h.StatusAt(now)
	}
	return hosts, nil
}
