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

// Package graceful is a listener which keeps count of the
// connections it accepted, so that a stopping server can wait for
// them to be closed. It also hands out its file descriptor for a
// restart in place.
package graceful

import (
	"net"
	"os"
	"sync"
	"syscall"
	"time"
)

type gracefulConn struct {
	net.Conn
	once sync.Once
	wg   *sync.WaitGroup
}

func (c *gracefulConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.wg.Done)
	return err
}

type Listener struct {
	net.Listener
	conns sync.WaitGroup
	once  sync.Once
	err   error

	drainOnce sync.Once
	drained   chan struct{}
}

func NewListener(l net.Listener) *Listener {
	return &Listener{Listener: l}
}

// Close stops accepting. Closing a second time is EINVAL.
func (gl *Listener) Close() error {
	closed := false
	gl.once.Do(func() {
		closed = true
		gl.err = gl.Listener.Close()
	})
	if !closed {
		return syscall.EINVAL
	}
	return gl.err
}

func (gl *Listener) Accept() (net.Conn, error) {
	c, err := gl.Listener.Accept()
	if err != nil {
		return nil, err
	}
	gl.conns.Add(1)
	return &gracefulConn{Conn: c, wg: &gl.conns}, nil
}

// drainedCh is closed once all accepted connections are closed. All
// Waits share the one goroutine behind it, which exits with the last
// connection.
func (gl *Listener) drainedCh() chan struct{} {
	gl.drainOnce.Do(func() {
		gl.drained = make(chan struct{})
		go func() {
			gl.conns.Wait()
			close(gl.drained)
		}()
	})
	return gl.drained
}

// Wait waits for all accepted connections to be closed, at most
// timeout. It returns false if it gave up. Connections accepted after
// the first Wait are not waited for, so call it after Close.
func (gl *Listener) Wait(timeout time.Duration) bool {
	select {
	case <-gl.drainedCh():
		return true
	case <-time.After(timeout):
		return false
	}
}

// File returns a dup of the listening socket, nil if it is not TCP.
func (gl *Listener) File() *os.File {
	tl, ok := gl.Listener.(*net.TCPListener)
	if !ok {
		return nil
	}
	fl, _ := tl.File()
	return fl
}
