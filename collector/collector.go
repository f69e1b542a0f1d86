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

// Package collector samples the local machine and posts the results
// to a sitestat collect endpoint.
package collector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var timeNow = func() time.Time {
	return time.Now()
}

var cpuPercent = func() (float64, error) {
	ps, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(ps) > 0 {
		return ps[0], nil
	}
	return 0, nil
}

var memPercent = func() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// ioBytes is the total bytes read and written across all disks
// since boot.
var ioBytes = func() (read, written uint64, err error) {
	counters, err := disk.IOCounters()
	if err != nil {
		return 0, 0, err
	}
	for _, c := range counters {
		read += c.ReadBytes
		written += c.WriteBytes
	}
	return read, written, nil
}

// SeriesID is the series a label reports to when none is given. It
// is stable for the label.
func SeriesID(label string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(label)).String()
}

type Config struct {
	URL      string
	Token    string
	SeriesID string // SeriesID(Label) if empty
	Label    string
	Host     string
	Interval time.Duration
}

// Reading is one sample of the local machine, in the form the
// collect endpoint accepts.
type Reading struct {
	SeriesID    string  `json:"series_id"`
	Label       string  `json:"label"`
	Host        string  `json:"host,omitempty"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemUsage    float64 `json:"mem_usage"`
	IOReadRate  int64   `json:"io_read_rate"`
	IOWriteRate int64   `json:"io_write_rate"`
	Timestamp   string  `json:"timestamp"`
}

type Collector struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter

	// previous disk counters, for rates
	lastRead, lastWritten uint64
	lastAt                time.Time
}

func New(cfg Config) (*Collector, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("collector: no URL")
	}
	if cfg.Label == "" {
		return nil, fmt.Errorf("collector: no label")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("collector: interval must be positive, got %v", cfg.Interval)
	}
	if cfg.SeriesID == "" {
		cfg.SeriesID = SeriesID(cfg.Label)
	}
	return &Collector{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Interval},
		limiter: rate.NewLimiter(rate.Every(cfg.Interval), 1),
	}, nil
}

// Sample reads the machine. Disk rates are bytes per second since
// the previous call, zero the first time.
func (c *Collector) Sample() (*Reading, error) {
	cpuP, err := cpuPercent()
	if err != nil {
		return nil, fmt.Errorf("cpu: %v", err)
	}
	memP, err := memPercent()
	if err != nil {
		return nil, fmt.Errorf("memory: %v", err)
	}
	read, written, err := ioBytes()
	if err != nil {
		return nil, fmt.Errorf("disk: %v", err)
	}

	now := timeNow()
	r := &Reading{
		SeriesID:  c.cfg.SeriesID,
		Label:     c.cfg.Label,
		Host:      c.cfg.Host,
		CPUUsage:  cpuP,
		MemUsage:  memP,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
	if !c.lastAt.IsZero() {
		secs := now.Sub(c.lastAt).Seconds()
		r.IOReadRate = perSecond(c.lastRead, read, secs)
		r.IOWriteRate = perSecond(c.lastWritten, written, secs)
	}
	c.lastRead, c.lastWritten, c.lastAt = read, written, now
	return r, nil
}

// perSecond is zero if the counter went backwards.
func perSecond(prev, cur uint64, secs float64) int64 {
	if cur < prev || secs <= 0 {
		return 0
	}
	return int64(float64(cur-prev) / secs)
}

// Post sends r to the collect endpoint.
func (c *Collector) Post(ctx context.Context, r *Reading) error {
	body, err := json.Marshal(map[string]*Reading{"container_metrics": r})
	if err != nil {
		return err
	}
	req, err := http.NewRequest("POST", c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.cfg.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("collect returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	io.Copy(ioutil.Discard, resp.Body)
	return nil
}

func (c *Collector) cycle(ctx context.Context) {
	r, err := c.Sample()
	if err != nil {
		log.Printf("Collector: sampling failed: %v", err)
		return
	}
	if err := c.Post(ctx, r); err != nil {
		// the next tick is the retry
		log.Printf("Collector: post failed: %v", err)
	}
}

// Run samples and posts once every interval until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	log.Printf("Collector: posting %q (series %s) to %s every %v.", c.cfg.Label, c.cfg.SeriesID, c.cfg.URL, c.cfg.Interval)
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.cycle(ctx)
	}
}
