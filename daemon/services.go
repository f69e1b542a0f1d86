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
	"log"
	"net/http"
	"os"
	"strings"
)

type trService interface {
	File() *os.File
	Start(*os.File) error
	Stop()
}

type serviceMap map[string]trService
type serviceManager struct {
	services serviceMap
}

func newServiceManager(handler http.Handler, cfg *Config) *serviceManager {
	return &serviceManager{
		services: serviceMap{
			"www": &wwwServer{handler: handler, listenSpec: cfg.HttpListenSpec},
		},
	}
}

func processListenSpec(listenSpec string) string {
	if bind := os.Getenv("SITESTAT_BIND"); bind != "" {
		return strings.Replace(listenSpec, "0.0.0.0", bind, 1)
	}
	return listenSpec
}

// run starts all services. gracefulProtos is the comma separated
// list of services whose listeners were inherited from the parent,
// in the order of the file descriptors starting at 3.
func (r *serviceManager) run(gracefulProtos string) error {
	if gracefulProtos == "" {
		for _, service := range r.services {
			if err := service.Start(nil); err != nil {
				return err
			}
		}
		return nil
	}

	protos := strings.Split(gracefulProtos, ",")
	log.Printf("Reusing file descriptors for graceful protocols: %v", protos)

	for n, p := range protos {
		f := os.NewFile(uintptr(n+3), "")
		if r.services[p] != nil {
			if err := r.services[p].Start(f); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *serviceManager) listenerFilesAndProtocols() ([]*os.File, string) {
	files := []*os.File{}
	protos := []string{}

	for name, service := range r.services {
		if f := service.File(); f != nil {
			files = append(files, f)
			protos = append(protos, name)
		}
	}
	return files, strings.Join(protos, ",")
}

func (r *serviceManager) closeListeners() {
	for _, service := range r.services {
		service.Stop()
	}
}
