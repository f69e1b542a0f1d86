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

package graceful

import (
	"net"
	"syscall"
	"testing"
	"time"
)

func Test_Listener(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	gl := NewListener(l)
	if f := gl.File(); f == nil {
		t.Errorf("File: nil for a TCP listener")
	} else {
		f.Close()
	}

	accepted := make(chan net.Conn)
	go func() {
		c, err := gl.Accept()
		if err != nil {
			t.Errorf("Accept: %v", err)
		}
		accepted <- c
	}()

	client, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	c := <-accepted

	if gl.Wait(10 * time.Millisecond) {
		t.Errorf("Wait: returned with a connection open")
	}
	d := gl.drainedCh()
	if gl.Wait(10*time.Millisecond) || gl.drainedCh() != d {
		t.Errorf("Wait: a second timed out Wait should share the first one's goroutine")
	}
	c.Close()
	c.Close() // counted once
	if !gl.Wait(time.Second) {
		t.Errorf("Wait: connection close not noticed")
	}

	if err := gl.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := gl.Close(); err != syscall.EINVAL {
		t.Errorf("second Close: %v, want EINVAL", err)
	}
	if _, err := gl.Accept(); err == nil {
		t.Errorf("Accept after Close: no error")
	}
}
