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

// sitestat_collect samples this machine and posts the samples to a
// sitestat server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tgres/sitestat/collector"
)

func main() {
	var cfg collector.Config

	hostname, _ := os.Hostname()

	flag.StringVar(&cfg.URL, "url", "http://127.0.0.1:8088/api/v1/collect", "collect endpoint")
	flag.StringVar(&cfg.Token, "token", os.Getenv("SITESTAT_INGEST_TOKEN"), "ingest token (default $SITESTAT_INGEST_TOKEN)")
	flag.StringVar(&cfg.SeriesID, "series", "", "series id (default derived from the label)")
	flag.StringVar(&cfg.Label, "label", hostname, "series label")
	flag.StringVar(&cfg.Host, "host", hostname, "host name reported with each sample")
	flag.DurationVar(&cfg.Interval, "interval", 10*time.Second, "sampling interval")
	flag.Parse()

	c, err := collector.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-ch
		log.Printf("Got signal: %v, exiting.", s)
		cancel()
	}()

	if err := c.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Collector: %v", err)
	}
}
