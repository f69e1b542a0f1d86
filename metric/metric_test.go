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

package metric

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"
)

func Test_Sample_Validate(t *testing.T) {
	for _, s := range []*Sample{nil, {}, {SeriesID: "abc"}, {Label: "x"}, {SeriesID: "", Label: "x"}} {
		err := s.Validate()
		if !IsValidation(err) {
			t.Errorf("Validate(%v): expected ValidationError, got %v", s, err)
		}
	}
	if err := (&Sample{SeriesID: "abc", Label: "example.com"}).Validate(); err != nil {
		t.Errorf("Validate: unexpected error %v", err)
	}
}

func Test_Sample_Clamp(t *testing.T) {
	s := &Sample{CPUUsage: -1, MemUsage: math.NaN(), IOReadRate: -5, IOWriteRate: 7}
	s.Clamp()
	if s.CPUUsage != 0 || s.MemUsage != 0 || s.IOReadRate != 0 || s.IOWriteRate != 7 {
		t.Errorf("Clamp: unexpected %+v", s)
	}
	s = &Sample{CPUUsage: math.Inf(1), MemUsage: 12.5}
	s.Clamp()
	if s.CPUUsage != 0 || s.MemUsage != 12.5 {
		t.Errorf("Clamp: unexpected %+v", s)
	}
}

func Test_UnixMs(t *testing.T) {
	ts := time.Date(2017, 3, 4, 5, 6, 7, 891000000, time.UTC)
	ms := UnixMs(ts)
	if back := FromUnixMs(ms); !back.Equal(ts) {
		t.Errorf("FromUnixMs(UnixMs(%v)) == %v", ts, back)
	}
	// sub-millisecond precision is dropped
	if UnixMs(ts.Add(999*time.Microsecond)) != ms {
		t.Errorf("UnixMs: sub-millisecond part not truncated")
	}
}

func Test_Host_StatusAt(t *testing.T) {
	now := time.Now()
	h := &Host{LastSeen: now.Add(-StaleAfter)}
	if h.StatusAt(now) != HostOnline {
		t.Errorf("StatusAt: exactly %v ago should still be online", StaleAfter)
	}
	h.LastSeen = now.Add(-StaleAfter - time.Millisecond)
	if h.StatusAt(now) != HostOffline {
		t.Errorf("StatusAt: more than %v ago should be offline", StaleAfter)
	}
	h.LastSeen = now
	if h.StatusAt(now) != HostOnline {
		t.Errorf("StatusAt: fresh host should be online")
	}
}

func Test_StorageErr(t *testing.T) {
	if StorageErr("op", nil) != nil {
		t.Errorf("StorageErr(nil) != nil")
	}
	base := fmt.Errorf("boom")
	err := StorageErr("insert", base)
	if !IsStorage(err) || !errors.Is(err, base) {
		t.Errorf("StorageErr: not a StorageError wrapping base: %v", err)
	}
	if StorageErr("again", err) != err {
		t.Errorf("StorageErr: double wrapped")
	}
	ve := NewValidationError(CodeMissingFields, "x")
	if StorageErr("insert", ve) != error(ve) {
		t.Errorf("StorageErr: ValidationError should pass through")
	}
}
