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

package query

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/tgres/sitestat/metric"
	"github.com/tgres/sitestat/serde"
)

var now = time.Date(2017, 6, 1, 12, 0, 0, 0, time.UTC)

type sliceIter struct {
	ss  []*metric.Sample
	pos int
	err error
}

func (it *sliceIter) Next() bool {
	if it.pos >= len(it.ss) {
		return false
	}
	it.pos++
	return true
}
func (it *sliceIter) Sample() *metric.Sample { return it.ss[it.pos-1] }
func (it *sliceIter) Err() error             { return it.err }

func numbered(n int) []*metric.Sample {
	ss := make([]*metric.Sample, n)
	for i := range ss {
		ss[i] = &metric.Sample{ID: int64(i + 1)}
	}
	return ss
}

func ids(ss []*metric.Sample) []int64 {
	result := make([]int64, len(ss))
	for i, s := range ss {
		result[i] = s.ID
	}
	return result
}

func Test_downsample(t *testing.T) {
	for _, c := range []struct {
		count, target int
		want          []int64
	}{
		{7, 7, []int64{7, 6, 5, 4, 3, 2, 1}},
		{3, 10, []int64{3, 2, 1}},
		{10, 3, []int64{10, 4, 1}}, // 1, 4, 8, 10 with 8 trimmed
		{10, 2, []int64{10, 1}},
		{10, 1, []int64{10}},
		{1, 1, []int64{1}},
		{9, 4, []int64{9, 6, 3, 1}},      // stride 3, 1 3 6 9
		{12, 5, []int64{12, 9, 6, 3, 1}}, // stride 3, 1 3 6 9 12
		{11, 5, []int64{11, 9, 6, 3, 1}}, // stride 3, 1 3 6 9 11
		{100, 30, nil},                   // checked below
	} {
		got, err := downsample(c.count, c.target, &sliceIter{ss: numbered(c.count)})
		if err != nil {
			t.Fatalf("downsample(%d, %d): %v", c.count, c.target, err)
		}
		if len(got) > c.target {
			t.Errorf("downsample(%d, %d): %d samples", c.count, c.target, len(got))
		}
		if c.want != nil && !reflect.DeepEqual(ids(got), c.want) {
			t.Errorf("downsample(%d, %d) == %v, want %v", c.count, c.target, ids(got), c.want)
		}
		if got[0].ID != int64(c.count) || (c.target > 1 && got[len(got)-1].ID != 1) {
			t.Errorf("downsample(%d, %d): endpoints lost: %v", c.count, c.target, ids(got))
		}
	}

	got, _ := downsample(0, 5, &sliceIter{})
	if got == nil || len(got) != 0 {
		t.Errorf("downsample of nothing: %v", got)
	}

	// fewer rows than counted, the last one is still kept
	got, _ = downsample(10, 3, &sliceIter{ss: numbered(6)})
	if got[0].ID != 6 {
		t.Errorf("downsample: last iterated sample dropped: %v", ids(got))
	}

	if _, err := downsample(3, 3, &sliceIter{ss: numbered(3), err: fmt.Errorf("boom")}); err == nil {
		t.Errorf("downsample: iterator error swallowed")
	}
}

func newDb(t *testing.T) serde.SerDe {
	db, err := serde.Open("memory:", serde.Options{PrimaryHost: "web1"})
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func stubNow(t *testing.T) {
	saved := timeNow
	timeNow = func() time.Time { return now }
	t.Cleanup(func() { timeNow = saved })
}

func insert(t *testing.T, db serde.SerDe, series, host string, ts time.Time, cpu, mem float64) {
	s := &metric.Sample{SeriesID: series, Label: series, Host: host, CPUUsage: cpu, MemUsage: mem, Timestamp: ts}
	if _, err := db.Insert(context.Background(), s); err != nil {
		t.Fatal(err)
	}
}

func Test_Engine_Series(t *testing.T) {
	stubNow(t)
	db := newDb(t)
	for i := 0; i < 100; i++ {
		insert(t, db, "a", "web1", now.Add(-time.Duration(99-i)*time.Minute), float64(i), 0)
	}
	e := NewEngine(db, 30*24*time.Hour, 0)
	ctx := context.Background()

	got, err := e.Series(ctx, "a", "hour", 30)
	if err != nil {
		t.Fatalf("Series: %v", err)
	}
	if len(got) == 0 || len(got) > 30 {
		t.Fatalf("Series: %d samples", len(got))
	}
	if !got[0].Timestamp.Equal(now) || !got[len(got)-1].Timestamp.Equal(now.Add(-time.Hour)) {
		t.Errorf("Series: endpoints %v .. %v", got[0].Timestamp, got[len(got)-1].Timestamp)
	}
	for i := 1; i < len(got); i++ {
		if !got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Errorf("Series: not newest first at %d", i)
		}
	}

	again, _ := e.Series(ctx, "a", "hour", 30)
	if !reflect.DeepEqual(ids(got), ids(again)) {
		t.Errorf("Series: not the same result twice")
	}

	if all, _ := e.Series(ctx, "a", "day", 500); len(all) != 100 {
		t.Errorf("Series: %d samples, want all 100", len(all))
	}
	if none, err := e.Series(ctx, "b", "day", 10); err != nil || len(none) != 0 {
		t.Errorf("Series of unknown: %v, %v", none, err)
	}
	if _, err := e.Series(ctx, "a", "day", 0); !metric.IsValidation(err) {
		t.Errorf("Series: zero points accepted: %v", err)
	}
	if _, err := e.Series(ctx, "", "day", 10); !metric.IsValidation(err) {
		t.Errorf("Series: empty series accepted: %v", err)
	}
}

func Test_Engine_Since(t *testing.T) {
	stubNow(t)
	db := newDb(t)
	for i := 0; i < 3; i++ {
		insert(t, db, "a", "web1", now.Add(time.Duration(i)*time.Second), 0, 0)
	}
	e := NewEngine(db, time.Hour, 0)
	ctx := context.Background()

	got, err := e.Since(ctx, "a", nil, 0)
	if err != nil || len(got) != 3 {
		t.Fatalf("Since(nil): %d, %v", len(got), err)
	}
	for i, s := range got {
		if !s.Timestamp.Equal(now.Add(time.Duration(i) * time.Second)) {
			t.Errorf("Since(nil): not oldest first at %d", i)
		}
	}

	got, _ = e.Since(ctx, "a", nil, 2)
	if len(got) != 2 || !got[1].Timestamp.Equal(now.Add(2*time.Second)) {
		t.Errorf("Since(nil, 2): should be the 2 newest: %v", got)
	}

	cursor := now
	got, _ = e.Since(ctx, "a", &cursor, 10)
	if len(got) != 2 || !got[0].Timestamp.Equal(now.Add(time.Second)) {
		t.Errorf("Since(cursor): %v", got)
	}
	cursor = now.Add(2 * time.Second)
	if got, err := e.Since(ctx, "a", &cursor, 10); err != nil || len(got) != 0 {
		t.Errorf("Since(newest): %v, %v", got, err)
	}
}

func Test_Engine_Rollup(t *testing.T) {
	stubNow(t)
	db := newDb(t)
	e := NewEngine(db, time.Hour, time.Minute)
	ctx := context.Background()

	if got, err := e.Rollup(ctx, 24, 12); err != nil || len(got) != 0 {
		t.Errorf("Rollup of nothing: %v, %v", got, err)
	}
	if _, err := e.Rollup(ctx, 0, 12); !metric.IsValidation(err) {
		t.Errorf("Rollup: zero hours accepted")
	}
	if _, err := e.Rollup(ctx, 24, -1); !metric.IsValidation(err) {
		t.Errorf("Rollup: negative points accepted")
	}

	insert(t, db, "a", "web1", now.Add(-90*time.Minute), 10, 100)
	insert(t, db, "b", "web1", now.Add(-80*time.Minute), 20, 300)
	insert(t, db, "a", "web1", now.Add(-10*time.Minute), 40, 0)

	got, err := e.Rollup(ctx, 24, 6)
	if err != nil || len(got) != 2 {
		t.Fatalf("Rollup: %v, %v", got, err)
	}
	if !got[0].Hour.Equal(now.Add(-2*time.Hour)) || got[0].AvgCPU != 15 || got[0].AvgMem != 200 || got[0].Samples != 2 {
		t.Errorf("Rollup[0] == %+v", got[0])
	}
	if !got[1].Hour.Equal(now.Add(-time.Hour)) || got[1].AvgCPU != 40 {
		t.Errorf("Rollup[1] == %+v", got[1])
	}

	// cached
	insert(t, db, "a", "web1", now.Add(-5*time.Minute), 0, 0)
	if again, _ := e.Rollup(ctx, 24, 6); again[1].Samples != 1 {
		t.Errorf("Rollup: cache not used")
	}
	if fresh, _ := NewEngine(db, time.Hour, 0).Rollup(ctx, 24, 6); fresh[1].Samples != 2 {
		t.Errorf("Rollup: uncached result wrong: %+v", fresh[1])
	}
}

func Test_Engine_Latest(t *testing.T) {
	stubNow(t)
	db := newDb(t)
	ctx := context.Background()
	insert(t, db, "a", "web2", now.Add(-2*time.Minute), 0, 5)
	insert(t, db, "a", "web2", now.Add(-time.Minute), 0, 10)
	insert(t, db, "b", "web2", now.Add(-time.Minute), 0, 20)
	insert(t, db, "c", "web1", now.Add(-time.Minute), 0, 1)
	insert(t, db, "d", "web1", now.Add(-3*time.Hour), 0, 1)

	e := NewEngine(db, time.Hour, 0)
	groups, err := e.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if len(groups) != 2 || groups[0].Host != "web1" || groups[1].Host != "web2" {
		t.Fatalf("Latest: wrong groups %v", groups)
	}
	if len(groups[0].Samples) != 1 || groups[0].HostIP != "web1" {
		t.Errorf("Latest: web1 group %+v", groups[0])
	}
	g := groups[1]
	if len(g.Samples) != 2 || g.Samples[0].SeriesID != "b" || g.Samples[1].MemUsage != 10 {
		t.Errorf("Latest: web2 group %+v", g)
	}

	empty, err := NewEngine(newDb(t), time.Hour, 0).Latest(ctx)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("Latest of nothing: %v, %v", empty, err)
	}
}

func Test_Engine_Hosts(t *testing.T) {
	stubNow(t)

	// the store's write clock, moved between inserts
	written := now.Add(-20 * time.Minute)
	db, err := serde.Open("memory:", serde.Options{PrimaryHost: "web1", Clock: func() time.Time { return written }})
	if err != nil {
		t.Fatal(err)
	}
	insert(t, db, "a", "web1", now, 0, 0)
	written = now.Add(-5 * time.Minute)
	// an old sample time does not make the host look stale
	insert(t, db, "a", "web2", now.Add(-2*time.Hour), 0, 0)

	hosts, err := NewEngine(db, time.Hour, 0).Hosts(context.Background())
	if err != nil || len(hosts) != 2 {
		t.Fatalf("Hosts: %v, %v", hosts, err)
	}
	if hosts[0].Name != "web1" || !hosts[0].IsPrimary || hosts[0].Status != metric.HostOffline {
		t.Errorf("Hosts: web1 %+v", hosts[0])
	}
	if hosts[1].Status != metric.HostOnline {
		t.Errorf("Hosts: web2 %+v", hosts[1])
	}
}

func Test_Engine_Limits(t *testing.T) {
	stubNow(t)
	db := newDb(t)
	for i := 0; i < MaxPoints+200; i++ {
		insert(t, db, "a", "web1", now.Add(-time.Duration(i)*time.Second), 0, 0)
	}
	e := NewEngine(db, time.Hour, 0)
	ctx := context.Background()

	if got, err := e.Series(ctx, "a", "hour", 1000000000); err != nil || len(got) > MaxPoints {
		t.Errorf("Series: %d samples, %v; want at most %d", len(got), err, MaxPoints)
	}
	if got, err := e.Since(ctx, "a", nil, 1000000000); err != nil || len(got) != MaxDeltaLimit {
		t.Errorf("Since: %d samples, %v; want %d", len(got), err, MaxDeltaLimit)
	}
	after := now.Add(-time.Hour)
	if got, err := e.Since(ctx, "a", &after, 1000000000); err != nil || len(got) != MaxDeltaLimit {
		t.Errorf("Since(after): %d samples, %v; want %d", len(got), err, MaxDeltaLimit)
	}
	if got, err := e.Rollup(ctx, 1<<40, 1<<40); err != nil || len(got) == 0 {
		t.Errorf("Rollup: %v, %v", got, err)
	}
}
