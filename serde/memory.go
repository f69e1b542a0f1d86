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

package serde

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/tgres/sitestat/metric"
)

type memSerDe struct {
	*sync.RWMutex
	bySeries map[string][]*metric.Sample // ordered by timestamp, then id
	hosts    map[string]*metric.Host
	lastId   int64

	PrimaryHost string

	clock func() time.Time
}

func (m *memSerDe) now() time.Time {
	if m.clock != nil {
		return m.clock()
	}
	return timeNow()
}

// Returns a SerDe which keeps everything in memory.
func NewMemSerDe() *memSerDe {
	return &memSerDe{
		RWMutex:  &sync.RWMutex{},
		bySeries: make(map[string][]*metric.Sample),
		hosts:    make(map[string]*metric.Host),
	}
}

func (m *memSerDe) Insert(_ context.Context, s *metric.Sample) (int64, error) {
	now := m.now()
	if _, err := prepareSample(s, now); err != nil {
		return 0, err
	}

	m.Lock()
	defer m.Unlock()

	m.lastId++
	cp := *s
	cp.ID = m.lastId
	cp.HostIP = ""
	s.ID = cp.ID

	ss := m.bySeries[cp.SeriesID]
	i := sort.Search(len(ss), func(i int) bool { return ss[i].Timestamp.After(cp.Timestamp) })
	ss = append(ss, nil)
	copy(ss[i+1:], ss[i:])
	ss[i] = &cp
	m.bySeries[cp.SeriesID] = ss

	if s.Host != "" {
		m.upsertHost(s, metric.FromUnixMs(metric.UnixMs(now)))
	}
	return 1, nil
}

// upsertHost marks the host seen at now, the time of writing. The
// sample's own timestamp may be the client's.
func (m *memSerDe) upsertHost(s *metric.Sample, now time.Time) {
	if h, ok := m.hosts[s.Host]; ok {
		h.LastSeen, h.Status = now, metric.HostOnline
		return
	}
	ip := s.HostIP
	if ip == "" {
		ip = s.Host
	}
	for _, h := range m.hosts {
		if h.IP == ip {
			log.Printf("Insert(): host %q not registered, address %q belongs to another host", s.Host, ip)
			return
		}
	}
	m.hosts[s.Host] = &metric.Host{
		Name:      s.Host,
		IP:        ip,
		IsPrimary: s.Host == m.PrimaryHost,
		LastSeen:  now,
		Status:    metric.HostOnline,
	}
}

// window returns copies of the samples of the series at or after
// from. Must be called with the lock held.
func (m *memSerDe) window(seriesID string, from time.Time) []*metric.Sample {
	ss := m.bySeries[seriesID]
	i := sort.Search(len(ss), func(i int) bool { return !ss[i].Timestamp.Before(from) })
	return copySamples(ss[i:])
}

func copySamples(ss []*metric.Sample) []*metric.Sample {
	result := make([]*metric.Sample, len(ss))
	for i, s := range ss {
		cp := *s
		result[i] = &cp
	}
	return result
}

type memSampleIter struct {
	result []*metric.Sample
	pos    int
}

func (it *memSampleIter) Next() bool {
	it.pos++
	return it.pos < len(it.result)
}
func (it *memSampleIter) Sample() *metric.Sample { return it.result[it.pos] }
func (it *memSampleIter) Err() error             { return nil }

func (m *memSerDe) ScanWindow(_ context.Context, seriesID string, from time.Time, fn func(int, SampleIter) error) error {
	m.RLock()
	ss := m.window(seriesID, from)
	m.RUnlock()
	return fn(len(ss), &memSampleIter{result: ss, pos: -1})
}

func (m *memSerDe) Since(_ context.Context, seriesID string, after time.Time, limit int) ([]*metric.Sample, error) {
	from := metric.FromUnixMs(metric.UnixMs(after) + 1)
	m.RLock()
	ss := m.window(seriesID, from)
	m.RUnlock()
	if len(ss) > limit {
		ss = ss[:limit]
	}
	return ss, nil
}

func (m *memSerDe) Latest(_ context.Context, seriesID string, limit int) ([]*metric.Sample, error) {
	m.RLock()
	ss := copySamples(m.bySeries[seriesID])
	m.RUnlock()
	result := make([]*metric.Sample, 0, limit)
	for i := len(ss) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, ss[i])
	}
	return result, nil
}

func (m *memSerDe) Rollup(_ context.Context, from time.Time, limit int) ([]*metric.Bucket, error) {
	type acc struct {
		cpu, mem float64
		n        int
	}
	byHour := make(map[int64]*acc)

	m.RLock()
	for _, ss := range m.bySeries {
		for _, s := range ss {
			if s.Timestamp.Before(from) {
				continue
			}
			hour := metric.UnixMs(s.Timestamp) / 3600000 * 3600000
			a := byHour[hour]
			if a == nil {
				a = &acc{}
				byHour[hour] = a
			}
			a.cpu += s.CPUUsage
			a.mem += s.MemUsage
			a.n++
		}
	}
	m.RUnlock()

	hours := make([]int64, 0, len(byHour))
	for h := range byHour {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i] < hours[j] })
	if len(hours) > limit {
		hours = hours[:limit]
	}

	result := make([]*metric.Bucket, 0, len(hours))
	for _, h := range hours {
		a := byHour[h]
		result = append(result, &metric.Bucket{
			Hour:    metric.FromUnixMs(h),
			AvgCPU:  a.cpu / float64(a.n),
			AvgMem:  a.mem / float64(a.n),
			Samples: a.n,
		})
	}
	return result, nil
}

func (m *memSerDe) LatestPerSeries(_ context.Context, from time.Time) ([]*metric.Sample, error) {
	type key struct{ host, series string }
	latest := make(map[key]*metric.Sample)

	m.RLock()
	for _, ss := range m.bySeries {
		for _, s := range ss {
			if s.Timestamp.Before(from) {
				continue
			}
			k := key{s.Host, s.SeriesID}
			// later in the slice is newer or equal, newer id wins a tie
			latest[k] = s
		}
	}
	result := make([]*metric.Sample, 0, len(latest))
	for _, s := range latest {
		cp := *s
		result = append(result, &cp)
	}
	m.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		if a.MemUsage != b.MemUsage {
			return a.MemUsage > b.MemUsage
		}
		return a.SeriesID < b.SeriesID
	})
	return result, nil
}

func (m *memSerDe) Hosts(_ context.Context) ([]*metric.Host, error) {
	m.RLock()
	result := make([]*metric.Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		cp := *h
		result = append(result, &cp)
	}
	m.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].IsPrimary != result[j].IsPrimary {
			return result[i].IsPrimary
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

func (m *memSerDe) HostIP(_ context.Context, name string) (string, error) {
	m.RLock()
	defer m.RUnlock()
	if h, ok := m.hosts[name]; ok {
		return h.IP, nil
	}
	return "", nil
}

func (m *memSerDe) DeleteOlderThan(_ context.Context, age time.Duration) (int64, error) {
	cutoff := m.now().Add(-age)

	m.Lock()
	defer m.Unlock()

	var n int64
	for id, ss := range m.bySeries {
		i := sort.Search(len(ss), func(i int) bool { return !ss[i].Timestamp.Before(cutoff) })
		n += int64(i)
		if i == len(ss) {
			delete(m.bySeries, id)
		} else if i > 0 {
			m.bySeries[id] = append([]*metric.Sample(nil), ss[i:]...)
		}
	}
	return n, nil
}

func (m *memSerDe) DeleteAll(_ context.Context) error {
	m.Lock()
	defer m.Unlock()
	m.bySeries = make(map[string][]*metric.Sample)
	m.hosts = make(map[string]*metric.Host)
	return nil
}

func (m *memSerDe) Close() error { return nil }
