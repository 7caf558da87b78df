// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package device

import (
	"bytes"
	"io/ioutil"
	"path/filepath"

	"github.com/TheThingsNetwork/device-gateway/types"
	"github.com/apex/log"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

type fileGroup struct {
	APIKey     string `yaml:"apikey"`
	Service    string `yaml:"service"`
	Subservice string `yaml:"subservice"`
}

type fileContents struct {
	Groups  []fileGroup     `yaml:"groups"`
	Devices []*types.Device `yaml:"devices"`
}

// File is an in-memory device service that is loaded from a YAML file and
// reloaded when the file is written
type File struct {
	*Memory
	ctx      log.Interface
	filename string
	watcher  *fsnotify.Watcher
}

// NewFile returns a device service for the given YAML file. Call Load to read
// it and start watching for changes.
func NewFile(ctx log.Interface, filename string) (f *File, err error) {
	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, err
	}
	f = &File{
		Memory:   NewMemory(),
		ctx:      ctx.WithField("DeviceFile", filename),
		filename: filename,
	}
	f.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Load reads the file and watches it for changes
func (f *File) Load() error {
	if err := f.read(); err != nil {
		return err
	}
	if err := f.watcher.Add(f.filename); err != nil {
		return err
	}
	go func() {
		for e := range f.watcher.Events {
			if e.Op&fsnotify.Write == fsnotify.Write {
				if err := f.read(); err != nil {
					f.ctx.WithError(err).Warn("Could not reload devices")
				}
			}
		}
	}()
	return nil
}

// Close the file watcher
func (f *File) Close() error {
	return f.watcher.Close()
}

func (f *File) read() error {
	contents, err := ioutil.ReadFile(f.filename)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(contents)) == 0 {
		f.ctx.Debug("Device file is empty, keeping devices")
		return nil
	}
	var file fileContents
	if err := yaml.Unmarshal(contents, &file); err != nil {
		return err
	}
	for _, group := range file.Groups {
		f.AddGroup(group.APIKey, group.Service, group.Subservice)
	}
	present := make(map[string]bool, len(file.Devices))
	for _, device := range file.Devices {
		if device == nil || device.ID == "" {
			continue
		}
		present[device.ID] = true
		if err := f.Put(device); err != nil {
			f.ctx.WithError(err).WithField("DeviceID", device.ID).Warn("Could not provision device")
		}
	}
	for _, id := range f.DeviceIDs() {
		if !present[id] {
			f.Delete(id)
		}
	}
	f.ctx.WithField("Devices", len(present)).Info("Loaded devices")
	return nil
}
