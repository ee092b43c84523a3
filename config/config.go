// Copyright 2026 The Pmvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads ecosystem files: lists of applications to
// supervise, in YAML, JSON or TOML.  The option names follow the ones
// commonly used by Node.js process managers, so that an existing
// ecosystem file can be converted mechanically.
//
// A file is loaded as a whole, but each application is validated on its
// own.  Entries returns the applications that are valid, and one
// *pmvisor.ConfigError for each that is not, so that a single bad entry
// does not keep the others from running.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/pmvisor/pmvisor"
)

// Format is the syntax of an ecosystem file.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
	FormatTOML
)

// FormatFor picks the format from the file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return 0, fmt.Errorf("%s: unsupported configuration format", path)
}

// App is one application, as written in the file.  Options that accept
// more than one type are kept as decoded, and checked by Entries.
type App struct {
	Name             string                 `json:"name"`
	Command          string                 `json:"command"`
	Script           string                 `json:"script"`
	Args             interface{}            `json:"args"`
	Cwd              string                 `json:"cwd"`
	Env              map[string]interface{} `json:"env"`
	Instances        interface{}            `json:"instances"`
	ExecMode         string                 `json:"exec_mode"`
	Watch            interface{}            `json:"watch"`
	IgnoreWatch      interface{}            `json:"ignore_watch"`
	MaxMemoryRestart interface{}            `json:"max_memory_restart"`
	ErrorFile        string                 `json:"error_file"`
	OutFile          string                 `json:"out_file"`
	LogFile          string                 `json:"log_file"`
	Time             bool                   `json:"time"`
	AutoRestart      *bool                  `json:"autorestart"`
	MaxRestarts      interface{}            `json:"max_restarts"`
	MinUptime        interface{}            `json:"min_uptime"`
	RestartDelay     interface{}            `json:"restart_delay"`
	KillTimeout      interface{}            `json:"kill_timeout"`
}

// Entry is a validated application, ready for pmvisor.NewService.
type Entry struct {
	Spec   pmvisor.ProcessSpec
	Policy pmvisor.RestartPolicy
}

// File is a parsed ecosystem file.
type File struct {
	Dir  string // Relative paths are resolved against this
	apps []json.RawMessage
}

// Len returns the number of applications in the file, valid or not.
func (f *File) Len() int {
	return len(f.apps)
}

// normalize makes decoded YAML or TOML documents suitable for JSON
// encoding.
func normalize(v interface{}) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		for k, x := range v {
			v[k] = normalize(x)
		}
		return v
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, x := range v {
			m[fmt.Sprint(k)] = normalize(x)
		}
		return m
	case []interface{}:
		for i, x := range v {
			v[i] = normalize(x)
		}
		return v
	case []map[string]interface{}:
		l := make([]interface{}, 0, len(v))
		for _, x := range v {
			l = append(l, normalize(x))
		}
		return l
	}
	return v
}

// Parse parses an ecosystem document.  The document is either a mapping
// with an "apps" list, or the list itself.  Relative paths are resolved
// against dir.
func Parse(data []byte, format Format, dir string) (*File, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	var root interface{}
	switch format {
	case FormatYAML:
		if e := yaml.Unmarshal(data, &root); e != nil {
			return nil, e
		}
	case FormatTOML:
		if e := toml.Unmarshal(data, &root); e != nil {
			return nil, e
		}
	default:
		if e := json.Unmarshal(data, &root); e != nil {
			return nil, e
		}
	}
	raw, e := json.Marshal(normalize(root))
	if e != nil {
		return nil, e
	}

	f := &File{Dir: dir}
	if _, ok := root.([]interface{}); ok {
		e = json.Unmarshal(raw, &f.apps)
	} else {
		var doc struct {
			Apps []json.RawMessage `json:"apps"`
		}
		e = json.Unmarshal(raw, &doc)
		f.apps = doc.Apps
	}
	if e != nil {
		return nil, e
	}
	if len(f.apps) == 0 {
		return nil, errors.New("no apps defined")
	}
	return f, nil
}

// Load reads and parses an ecosystem file.  Relative paths inside it are
// resolved against the directory holding the file.
func Load(path string) (*File, error) {
	format, e := FormatFor(path)
	if e != nil {
		return nil, e
	}
	data, e := os.ReadFile(path)
	if e != nil {
		return nil, e
	}
	abs, e := filepath.Abs(path)
	if e != nil {
		return nil, e
	}
	f, e := Parse(data, format, filepath.Dir(abs))
	if e != nil {
		return nil, fmt.Errorf("%s: %w", path, e)
	}
	return f, nil
}

// Entries validates every application.  Those that pass are returned in
// file order; each that fails contributes one *pmvisor.ConfigError.
func (f *File) Entries() ([]Entry, []error) {
	var entries []Entry
	var errs []error
	seen := make(map[string]bool)
	for i, raw := range f.apps {
		var app App
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if e := dec.Decode(&app); e != nil {
			errs = append(errs, &pmvisor.ConfigError{
				App: "#" + strconv.Itoa(i),
				Err: e,
			})
			continue
		}
		ents, e := app.entries(f.Dir)
		if e == nil {
			for _, ent := range ents {
				if seen[ent.Spec.Name] {
					e = &pmvisor.ConfigError{
						App:   ent.Spec.Name,
						Field: "name",
						Err:   pmvisor.ErrDuplicate,
					}
					break
				}
			}
		}
		if e != nil {
			errs = append(errs, e)
			continue
		}
		for _, ent := range ents {
			seen[ent.Spec.Name] = true
		}
		entries = append(entries, ents...)
	}
	return entries, errs
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// instancePath inserts "-i" before the extension.
func instancePath(p string, i int) string {
	if p == "" {
		return p
	}
	ext := filepath.Ext(p)
	return strings.TrimSuffix(p, ext) + "-" + strconv.Itoa(i) + ext
}

func (a *App) entries(dir string) ([]Entry, error) {
	command := a.Command
	if command == "" {
		command = a.Script
	}
	name := a.Name
	if name == "" {
		name = filepath.Base(command)
	}
	bad := func(field string, e error) error {
		return &pmvisor.ConfigError{App: name, Field: field, Err: e}
	}
	if command == "" {
		return nil, bad("command", ErrRequired)
	}

	spec := pmvisor.ProcessSpec{
		Name:    name,
		Command: command,
		Dir:     resolve(dir, a.Cwd),
		Time:    a.Time,
	}
	if a.Cwd == "" {
		spec.Dir = dir
	}
	var e error
	if spec.Args, e = toArgs(a.Args); e != nil {
		return nil, bad("args", e)
	}
	if a.Env != nil {
		var key string
		if spec.Env, key, e = toEnv(a.Env); e != nil {
			return nil, bad("env."+key, e)
		}
	}
	if spec.Watch, e = toPaths(a.Watch, "."); e != nil {
		return nil, bad("watch", e)
	}
	if spec.IgnoreWatch, e = toPaths(a.IgnoreWatch, ""); e != nil {
		return nil, bad("ignore_watch", e)
	}

	count := a.Instances
	if v, ok := count.(string); ok && strings.EqualFold(strings.TrimSpace(v), "max") {
		count = json.Number("-1")
	}
	instances, e := toInt(count, 1)
	if e != nil {
		return nil, bad("instances", e)
	}
	switch {
	case instances < -1:
		return nil, bad("instances", ErrNegative)
	case instances < 1:
		// "all CPUs" elsewhere; a single instance here.
		instances = 1
	}
	switch a.ExecMode {
	case "", "fork", "fork_mode", "cluster", "cluster_mode":
	default:
		return nil, bad("exec_mode", fmt.Errorf("%q: %w", a.ExecMode, ErrBadMode))
	}

	policy := pmvisor.DefaultRestartPolicy()
	if a.AutoRestart != nil {
		policy.AutoRestart = *a.AutoRestart
	}
	if policy.MaxRestarts, e = toInt(a.MaxRestarts, policy.MaxRestarts); e != nil {
		return nil, bad("max_restarts", e)
	}
	if policy.MaxRestarts < 0 {
		return nil, bad("max_restarts", ErrNegative)
	}
	if policy.MinUptime, e = toDuration(a.MinUptime, policy.MinUptime); e != nil {
		return nil, bad("min_uptime", e)
	}
	if policy.RestartDelay, e = toDuration(a.RestartDelay, policy.RestartDelay); e != nil {
		return nil, bad("restart_delay", e)
	}
	if policy.KillTimeout, e = toDuration(a.KillTimeout, policy.KillTimeout); e != nil {
		return nil, bad("kill_timeout", e)
	}
	if policy.MaxMemory, e = toByteSize(a.MaxMemoryRestart); e != nil {
		return nil, bad("max_memory_restart", e)
	}

	outFile, errFile := a.OutFile, a.ErrorFile
	if outFile == "" {
		outFile = filepath.Join("logs", name+"-out.log")
	}
	if errFile == "" {
		errFile = filepath.Join("logs", name+"-error.log")
	}
	spec.OutFile = resolve(spec.Dir, outFile)
	spec.ErrFile = resolve(spec.Dir, errFile)
	spec.LogFile = resolve(spec.Dir, a.LogFile)

	if instances == 1 {
		return []Entry{{Spec: spec, Policy: policy}}, nil
	}
	entries := make([]Entry, 0, instances)
	for i := 0; i < instances; i++ {
		is := spec
		is.Name = name + "-" + strconv.Itoa(i)
		is.Env = map[string]string{"INSTANCE_ID": strconv.Itoa(i)}
		for k, v := range spec.Env {
			is.Env[k] = v
		}
		is.OutFile = instancePath(spec.OutFile, i)
		is.ErrFile = instancePath(spec.ErrFile, i)
		is.LogFile = instancePath(spec.LogFile, i)
		entries = append(entries, Entry{Spec: is, Policy: policy})
	}
	return entries, nil
}
