// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Serves a directory of timing snapshots (as saved by collect -output_dir)
// and their correlation over HTTP.
//
//	GET /snapshots                       snapshot names, long-polls for changes
//	GET /data/:snapshot                  full statistics grid
//	GET /data/:snapshot/:byte            statistics of one byte index
//	GET /candidates/:phase1/:phase2      correlation of two snapshots
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	cachetiming "github.com/jmpleo/aes-cache-timing-attack-pi4"
	"github.com/jmpleo/aes-cache-timing-attack-pi4/util"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
	"github.com/labstack/echo"
)

var (
	portFlag = flag.Int("port", 8080, "Server HTTP port number")
	dirFlag  = flag.String("dir", "snapshots", "Input snapshot directory to display")
)

const (
	snapExt = ".stats"
)

type ByteStats struct {
	Index int                     `json:"index"`
	Cells []cachetiming.CellStats `json:"cells"`
}

type Candidates struct {
	Index      int      `json:"index"`
	Best       string   `json:"best"`
	Score      float64  `json:"score"`
	Candidates []string `json:"candidates"`
}

type CorrelationReport struct {
	Key          string       `json:"key"`
	KeySpaceBits float64      `json:"keySpaceBits"`
	Bytes        []Candidates `json:"bytes"`
}

func init() {
	flag.Parse()
}

// A go-routine that waits for directory changes.
// Notifies changes by publishing the event via broker.
func watchDirectoryChanges(broker *util.Broker[fsnotify.Event]) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		glog.Errorf("NewWatcher failed: %v", err)
		return
	}
	defer watcher.Close()

	if err = watcher.Add(*dirFlag); err != nil {
		glog.Errorf("watcher.Add failed: %v", err)
		return
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				glog.Warning("watcher.Events is not ok. Aborting")
				return
			}
			glog.V(1).Infof("Watcher event: %v", event)
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 &&
				strings.HasSuffix(event.Name, snapExt) {
				broker.Publish(event)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				glog.Warning("watcher.Errors is not ok. Aborting")
				return
			}
			glog.Warningf("Watcher error: %v", err)
		}
	}
}

func waitForSnapshots(c echo.Context, broker *util.Broker[fsnotify.Event]) {
	var wg sync.WaitGroup
	timedOut := time.NewTimer(5 * time.Minute)
	defer timedOut.Stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		dirChanged := broker.Subscribe()
		defer broker.Unsubscribe(dirChanged)

		select {
		case <-timedOut.C:
			glog.V(1).Infof("Timed out")
		case <-c.Request().Context().Done():
			glog.V(1).Infof("Client disconnected")
		case <-dirChanged:
			glog.V(1).Infof("Received dir notification from broker")
		}
	}()

	wg.Wait()
}

func loadSnapshot(name string) (*cachetiming.Snapshot, error) {
	if filepath.Base(name) != name {
		return nil, fmt.Errorf("invalid snapshot name %q", name)
	}
	return cachetiming.LoadSnapshot(path.Join(*dirFlag, name+snapExt))
}

func correlationReport(results []cachetiming.ByteResult) CorrelationReport {
	rep := CorrelationReport{
		Key:          hex.EncodeToString(cachetiming.BestKey(results)),
		KeySpaceBits: cachetiming.KeySpaceBits(results),
	}
	for _, r := range results {
		cands := Candidates{
			Index: r.Index,
			Best:  fmt.Sprintf("%02x", r.Ranked[0].Value),
			Score: r.Ranked[0].Score,
		}
		for _, v := range r.Candidates {
			cands.Candidates = append(cands.Candidates, fmt.Sprintf("%02x", v))
		}
		rep.Bytes = append(rep.Bytes, cands)
	}
	return rep
}

func main() {
	defer glog.Flush()

	watchBroker := util.NewBroker[fsnotify.Event]()
	go watchBroker.Start()
	defer watchBroker.Stop()
	go watchDirectoryChanges(watchBroker)

	e := echo.New()

	// Returns list of snapshot files in directory.
	e.GET("/snapshots", func(c echo.Context) error {
		if c.QueryParam("wait") != "false" {
			waitForSnapshots(c, watchBroker)
		}
		files, err := filepath.Glob(path.Join(*dirFlag, "*"+snapExt))
		if err != nil {
			glog.Errorf("Glob failed: %v", err)
			return err
		}
		for i, f := range files {
			files[i] = strings.TrimSuffix(filepath.Base(f), snapExt)
		}
		return c.JSON(http.StatusOK, files)
	})

	// Returns the statistics grid of a single snapshot.
	e.GET("/data/:snapshot", func(c echo.Context) error {
		snap, err := loadSnapshot(c.Param("snapshot"))
		if err != nil {
			glog.Errorf("Error loading snapshot file: %v", err)
			return c.String(http.StatusNotFound, "Invalid snapshot")
		}
		return c.JSON(http.StatusOK, snap)
	})
	e.GET("/data/:snapshot/:byte", func(c echo.Context) error {
		snap, err := loadSnapshot(c.Param("snapshot"))
		if err != nil {
			glog.Errorf("Error loading snapshot file: %v", err)
			return c.String(http.StatusNotFound, "Invalid snapshot")
		}
		idx, err := strconv.Atoi(c.Param("byte"))
		if err != nil || idx < 0 || idx >= cachetiming.NumBytes {
			return c.String(http.StatusBadRequest, "Invalid byte index")
		}
		return c.JSON(http.StatusOK, ByteStats{idx, snap.Cells[idx][:]})
	})

	// Correlates two snapshots.
	e.GET("/candidates/:phase1/:phase2", func(c echo.Context) error {
		phase1, err := loadSnapshot(c.Param("phase1"))
		if err != nil {
			glog.Errorf("Error loading snapshot file: %v", err)
			return c.String(http.StatusNotFound, "Invalid phase1 snapshot")
		}
		phase2, err := loadSnapshot(c.Param("phase2"))
		if err != nil {
			glog.Errorf("Error loading snapshot file: %v", err)
			return c.String(http.StatusNotFound, "Invalid phase2 snapshot")
		}
		return c.JSON(http.StatusOK, correlationReport(cachetiming.Correlate(phase1, phase2)))
	})

	glog.Fatal(e.Start(fmt.Sprintf(":%d", *portFlag)))
}
