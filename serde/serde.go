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

// Package serde is the storage of samples and hosts. There is an SQL
// implementation (PostgreSQL or SQLite) and one which keeps
// everything in memory.
package serde

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/tgres/sitestat/metric"
)

// SampleIter walks over samples oldest first.
type SampleIter interface {
	Next() bool
	Sample() *metric.Sample
	Err() error
}

type Inserter interface {
	// Insert stores a sample and registers its host, returning the
	// number of rows stored. The new row id is set on s. A failure to
	// register the host is logged and does not fail the insert.
	Insert(ctx context.Context, s *metric.Sample) (int64, error)
}

type Reader interface {
	// ScanWindow calls fn with the number of samples of the series
	// no older than from and an iterator over exactly those samples,
	// oldest first. Both come from the same read snapshot.
	ScanWindow(ctx context.Context, seriesID string, from time.Time, fn func(count int, it SampleIter) error) error

	// Since returns up to limit samples newer than after, oldest first.
	Since(ctx context.Context, seriesID string, after time.Time, limit int) ([]*metric.Sample, error)

	// Latest returns the limit most recent samples, newest first.
	Latest(ctx context.Context, seriesID string, limit int) ([]*metric.Sample, error)

	// Rollup averages all samples no older than from by hour,
	// returning at most limit buckets, earliest first.
	Rollup(ctx context.Context, from time.Time, limit int) ([]*metric.Bucket, error)

	// LatestPerSeries returns the most recent sample of every
	// (series, host) pair no older than from, ordered by host, then
	// by memory usage descending.
	LatestPerSeries(ctx context.Context, from time.Time) ([]*metric.Sample, error)

	// Hosts returns all hosts, primary first, then by name. The
	// status is as stored, callers recompute it.
	Hosts(ctx context.Context) ([]*metric.Host, error)

	// HostIP returns the address of a host, "" if unknown.
	HostIP(ctx context.Context, name string) (string, error)
}

type Sweeper interface {
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
	DeleteAll(ctx context.Context) error
}

// This thing knows how to load/save samples in some storage
type SerDe interface {
	Inserter
	Reader
	Sweeper
	Close() error
}

type Options struct {
	Prefix        string // table name prefix
	PrimaryHost   string // hosts by this name are created primary
	HostCacheSize int    // size of the host address cache, 0 disables it

	// Clock is the time of writing, time.Now if nil. It stamps
	// samples without a timestamp, a host's last seen time and the
	// retention cutoff.
	Clock func() time.Time
}

// Open returns a SerDe for the connect string. "memory:" is the
// in-memory store, "sqlite:<path>" is SQLite, anything else is handed
// to the PostgreSQL driver.
func Open(connect string, opts Options) (SerDe, error) {
	switch {
	case connect == "memory:":
		m := NewMemSerDe()
		m.PrimaryHost = opts.PrimaryHost
		m.clock = opts.Clock
		return m, nil
	case strings.HasPrefix(connect, "sqlite:"):
		return InitDb("sqlite", strings.TrimPrefix(connect, "sqlite:"), opts)
	case connect == "":
		return nil, fmt.Errorf("empty connect string")
	default:
		return InitDb("postgres", connect, opts)
	}
}

var timeNow = func() time.Time {
	return time.Now()
}

// prepareSample validates s and fills in what the store is expected
// to fill in. It returns s's timestamp in storage form.
func prepareSample(s *metric.Sample, now time.Time) (int64, error) {
	if err := s.Validate(); err != nil {
		log.Printf("Insert(): rejecting sample: %v", err)
		return 0, err
	}
	s.Clamp()
	if s.Timestamp.IsZero() {
		s.Timestamp = now
	}
	// what is stored is what callers get back later
	s.Timestamp = metric.FromUnixMs(metric.UnixMs(s.Timestamp))
	return metric.UnixMs(s.Timestamp), nil
}
