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
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

func init() {
	log.SetPrefix(fmt.Sprintf("[%d] ", os.Getpid()))
}

var (
	logMu      sync.Mutex
	logFile    *os.File
	logStop    = make(chan struct{})
	logStopped sync.Once
)

var timeNow = func() time.Time {
	return time.Now()
}

var osRename = func(a, b string) error {
	return os.Rename(a, b)
}

// archiveName is where the current log goes when it is cycled.
func archiveName(logPath string, now time.Time) string {
	logDir, name := filepath.Split(logPath)
	return filepath.Join(logDir, name+now.Format("-20060102_150405"))
}

var renameLogFile = func(logPath string) {
	fullpath := archiveName(logPath, timeNow())
	log.Printf("Starting new log file, current log archived as: '%s'", fullpath)
	if err := osRename(logPath, fullpath); err != nil {
		log.Printf("Unable to archive log file: %v", err)
	}
}

var cycleLogFile = func(logPath string) {
	logMu.Lock()
	defer logMu.Unlock()

	if logFile != nil {
		renameLogFile(logPath)
	}

	file, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND|os.O_SYNC, 0666) // open with O_SYNC
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Unable to open log file '%s', %s\n", logPath, err)
		os.Exit(1)
	}

	log.SetOutput(file)
	if logFile != nil {
		logFile.Close()
	}
	logFile = file
}

var logFileCycler = func(logPath string, logCycle time.Duration) {
	cycleLogFile(logPath) // Initial cycle

	go func() {
		t := time.NewTicker(logCycle)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				cycleLogFile(logPath)
			case <-logStop:
				return
			}
		}
	}()
}

// closeLog stops the cycling and sends the log back to stderr.
func closeLog() {
	logStopped.Do(func() { close(logStop) })

	logMu.Lock()
	defer logMu.Unlock()
	log.SetOutput(os.Stderr)
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}
