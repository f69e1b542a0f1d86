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
	"github.com/tgres/sitestat/metric"
	"github.com/tgres/sitestat/serde"
)

// downsample picks at most target of the count samples it walks,
// oldest first. Every stride-th one is taken, plus the first and the
// last. The selection is returned newest first.
func downsample(count, target int, it serde.SampleIter) ([]*metric.Sample, error) {
	if count == 0 {
		return []*metric.Sample{}, nil
	}

	stride := 1
	if count > target {
		stride = (count + target - 1) / target
	}

	var (
		kept []*metric.Sample
		last *metric.Sample
		idx  int
	)
	for it.Next() {
		idx++
		s := it.Sample()
		last = s
		if stride == 1 || idx%stride == 0 || idx == 1 || idx == count {
			kept = append(kept, s)
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if last == nil {
		return []*metric.Sample{}, nil
	}
	if kept[len(kept)-1] != last {
		kept = append(kept, last)
	}

	kept = trim(kept, target)

	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept, nil
}

// trim drops interior samples, the one nearest the end first, then
// the one nearest the start, until no more than target remain. The
// endpoints survive unless target is 1, in which case only the last
// sample is left.
func trim(ss []*metric.Sample, target int) []*metric.Sample {
	if len(ss) <= target {
		return ss
	}
	if target <= 1 {
		return ss[len(ss)-1:]
	}
	fromEnd := true
	for len(ss) > target {
		var i int
		if fromEnd {
			i = len(ss) - 2
		} else {
			i = 1
		}
		ss = append(ss[:i], ss[i+1:]...)
		fromEnd = !fromEnd
	}
	return ss
}
