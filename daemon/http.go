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

package daemon

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/tgres/sitestat/graceful"
)

const (
	requestTimeout  = 25 * time.Second
	shutdownTimeout = 15 * time.Second
)

func newHttpServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:        http.TimeoutHandler(handler, requestTimeout, `{"code":"timeout","message":"request took too long"}`),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   requestTimeout + 5*time.Second,
		IdleTimeout:    2 * time.Minute,
		MaxHeaderBytes: 1 << 16,
	}
}

type wwwServer struct {
	handler    http.Handler
	server     *http.Server
	listener   *graceful.Listener
	listenSpec string
	stop       int32
}

func (g *wwwServer) File() *os.File {
	if g.listener != nil {
		return g.listener.File()
	}
	return nil
}

func (g *wwwServer) Stop() {
	if !atomic.CompareAndSwapInt32(&g.stop, 0, 1) {
		return
	}
	if g.server == nil {
		return
	}
	log.Printf("Closing listener %s\n", g.listenSpec)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := g.server.Shutdown(ctx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if !g.listener.Wait(shutdownTimeout) {
		log.Printf("HTTP shutdown: gave up waiting for connections to close")
	}
}

func (g *wwwServer) Start(file *os.File) error {
	if g.listenSpec == "" {
		log.Printf("Not starting HTTP server because http-listen-spec is blank.")
		return nil
	}

	var (
		gl  net.Listener
		err error
	)
	if file != nil {
		gl, err = net.FileListener(file)
	} else {
		gl, err = net.Listen("tcp", processListenSpec(g.listenSpec))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting HTTP protocol: %v\n", err)
		return fmt.Errorf("Error starting HTTP protocol: %v", err)
	}

	g.listener = graceful.NewListener(gl)
	g.server = newHttpServer(g.handler)

	log.Printf("HTTP protocol Listening on %s\n", gl.Addr())

	go func() {
		if err := g.server.Serve(g.listener); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server: %v", err)
		}
	}()
	return nil
}
