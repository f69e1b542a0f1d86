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

// Package receiver turns collect request bodies into samples and
// stores them.
package receiver

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"github.com/tgres/sitestat/metric"
	"github.com/tgres/sitestat/serde"
	"github.com/tgres/sitestat/stats"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned by Collect when more samples arrive
// than the configured rate allows. Nothing was stored.
var ErrRateLimited = errors.New("ingest rate exceeded")

// Origin is where a request came from.
type Origin struct {
	RemoteIP    string // recorded as the address of the host
	DefaultHost string // host of samples which do not name one
}

type Receiver struct {
	db      serde.Inserter
	limiter *rate.Limiter
}

// New returns a Receiver storing into db, which accepts at most
// maxRate samples per second. A maxRate of 0 or less is no limit.
func New(db serde.Inserter, maxRate float64) *Receiver {
	r := &Receiver{db: db}
	if maxRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(maxRate), int(math.Ceil(maxRate)))
	}
	return r
}

var timeNow = func() time.Time {
	return time.Now()
}

// Collect parses body, validates every sample in it and stores them
// one at a time. It returns the number of samples stored. If any
// sample is invalid, nothing is stored.
func (r *Receiver) Collect(ctx context.Context, body []byte, origin Origin) (int, error) {
	samples, err := parse(body, origin)
	if err != nil {
		log.Printf("Collect(): rejecting payload from %s: %v", origin.RemoteIP, err)
		stats.SamplesRejected.WithLabelValues(errorCode(err)).Inc()
		return 0, err
	}

	if r.limiter != nil {
		n := len(samples)
		if n > r.limiter.Burst() {
			n = r.limiter.Burst()
		}
		if !r.limiter.AllowN(timeNow(), n) {
			stats.SamplesRejected.WithLabelValues("rate_limited").Inc()
			return 0, ErrRateLimited
		}
	}

	var stored int
	for _, s := range samples {
		if _, err := r.db.Insert(ctx, s); err != nil {
			log.Printf("Collect(): stored %d of %d samples from %s: %v", stored, len(samples), origin.RemoteIP, err)
			return stored, err
		}
		stored++
		stats.SamplesStored.Inc()
	}
	return stored, nil
}

func errorCode(err error) string {
	var ve *metric.ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return "other"
}
