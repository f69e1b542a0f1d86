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

// Package metric contains the types shared by the store, the query
// engine and the receiver: a resource usage Sample, the Host it came
// from and the hourly rollup Bucket.
package metric

import (
	"math"
	"time"
)

// A host is considered offline when nothing was heard from it for
// longer than this.
const StaleAfter = 10 * time.Minute

// Sample is a single resource usage measurement of a website (the
// series) taken on a host.
type Sample struct {
	ID          int64     `json:"id,omitempty" db:"id"`
	SeriesID    string    `json:"series_id" db:"series_id"`
	Label       string    `json:"label" db:"label"`
	Host        string    `json:"host" db:"host"`
	CPUUsage    float64   `json:"cpu_usage" db:"cpu_usage"`
	MemUsage    float64   `json:"mem_usage" db:"mem_usage"`
	IOReadRate  int64     `json:"io_read_rate" db:"io_read_rate"`
	IOWriteRate int64     `json:"io_write_rate" db:"io_write_rate"`
	Timestamp   time.Time `json:"timestamp" db:"-"`

	// Address the sample arrived from, used to register the host.
	// It is not stored with the sample.
	HostIP string `json:"-" db:"-"`
}

// Validate checks the fields without which a sample cannot be
// stored.
func (s *Sample) Validate() error {
	if s == nil {
		return NewValidationError(CodeMissingFields, "empty sample")
	}
	if s.SeriesID == "" || s.Label == "" {
		return NewValidationError(CodeMissingFields, "Missing required fields: series_id and label")
	}
	return nil
}

// Clamp replaces negative, NaN and infinite usage values with zero.
func (s *Sample) Clamp() {
	s.CPUUsage = clampFloat(s.CPUUsage)
	s.MemUsage = clampFloat(s.MemUsage)
	if s.IOReadRate < 0 {
		s.IOReadRate = 0
	}
	if s.IOWriteRate < 0 {
		s.IOWriteRate = 0
	}
}

func clampFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return f
}

// UnixMs is the storage representation of a timestamp.
func UnixMs(t time.Time) int64 {
	return t.Unix()*1000 + int64(t.Nanosecond())/int64(time.Millisecond)
}

// FromUnixMs is the inverse of UnixMs, always in UTC.
func FromUnixMs(ms int64) time.Time {
	return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond)).UTC()
}

type HostStatus string

const (
	HostOnline  HostStatus = "online"
	HostOffline HostStatus = "offline"
)

// Host is a machine samples have been received from. Hosts are
// created by the first sample and refreshed by every one after it.
type Host struct {
	Name      string     `json:"host_name"`
	IP        string     `json:"host_ip"`
	IsPrimary bool       `json:"is_primary"`
	LastSeen  time.Time  `json:"last_seen"`
	Status    HostStatus `json:"status"`
}

// StatusAt derives the status as of now.
func (h *Host) StatusAt(now time.Time) HostStatus {
	if now.Sub(h.LastSeen) > StaleAfter {
		return HostOffline
	}
	return HostOnline
}

// Bucket is one hour worth of samples across all series.
type Bucket struct {
	Hour    time.Time `json:"hour"`
	AvgCPU  float64   `json:"avg_cpu"`
	AvgMem  float64   `json:"avg_mem"`
	Samples int       `json:"samples"`
}

// HostGroup is the most recent sample of every series seen on a
// host.
type HostGroup struct {
	Host    string    `json:"host"`
	HostIP  string    `json:"host_ip"`
	Samples []*Sample `json:"samples"`
}
