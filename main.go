//
// Copyright 2016 Gregory Trubetskoy. All Rights Reserved.
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

// Sitestat receives resource usage samples from websites and serves
// them back downsampled for dashboards.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/tgres/sitestat/daemon"
)

var (
	buildTime, gitRevision string
)

func parseFlags() (opts daemon.Options, bg bool, version bool) {

	// Parse the flags, if any
	flag.StringVar(&opts.CfgPath, "c", "./etc/sitestat.conf", "path to config file")
	flag.StringVar(&opts.GracefulProtos, "graceful", "", "list of inherited listeners (internal)")
	flag.BoolVar(&opts.Purge, "purge", false, "Delete all samples and hosts and exit (needs allow-purge)")
	flag.BoolVar(&bg, "bg", false, "Immediately background itself")
	flag.BoolVar(&version, "version", false, "Print version and exit")
	flag.Parse()

	return
}

func printVersion() {
	fmt.Printf("Sitestat version: %v\n", Version)
	if buildTime != "" {
		fmt.Printf("Build time: %v\n", buildTime)
	}
	if gitRevision != "" {
		fmt.Printf("Git revision: %v\n", gitRevision)
	}
}

func main() {

	opts, bg, version := parseFlags()

	if version {
		printVersion()
		return
	}

	if bg {
		if !filepath.IsAbs(opts.CfgPath) {
			log.Fatalf("ERROR: Background only possible when config path is absolute (cfg path: %q).", opts.CfgPath)
		}
		if !filepath.IsAbs(os.Args[0]) {
			log.Fatalf("ERROR: Background only possible when %q started with absolute path.", os.Args[0])
		}
		log.Printf("Backgrounding...")
		if err := std2DevNull(); err != nil {
			log.Fatalf("Error: %v", err)
		}
		os.Chdir("/")
		background(opts.CfgPath)
		return
	}

	if cfg := daemon.Init(opts); cfg != nil {
		daemon.Finish(cfg)
	}
}

func background(cp string) {
	mypath, _ := filepath.Abs(os.Args[0])
	cmd := exec.Command(mypath, "-c", cp)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func std2DevNull() error {
	f, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
	if err != nil {
		return err
	}
	fd := int(f.Fd())
	syscall.Dup2(fd, int(os.Stdin.Fd()))
	syscall.Dup2(fd, int(os.Stdout.Fd()))
	syscall.Dup2(fd, int(os.Stderr.Fd()))
	return nil
}
