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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/pmvisor/pmvisor"
)

const ecosystemYAML = `
apps:
  - name: stemulation-learning
    script: npm
    args: start
    cwd: /var/www/stemulation-learning
    env:
      NODE_ENV: production
      PORT: 5000
    instances: 1
    exec_mode: fork
    watch: false
    max_memory_restart: 1G
    error_file: ./logs/err.log
    out_file: ./logs/out.log
    log_file: ./logs/combined.log
    time: true
    autorestart: true
    max_restarts: 10
    min_uptime: 10s
    restart_delay: 4000
`

const ecosystemJSON = `{
  "apps": [{
    "name": "stemulation-learning",
    "script": "npm",
    "args": "start",
    "cwd": "/var/www/stemulation-learning",
    "env": {"NODE_ENV": "production", "PORT": 5000},
    "instances": 1,
    "exec_mode": "fork",
    "watch": false,
    "max_memory_restart": "1G",
    "error_file": "./logs/err.log",
    "out_file": "./logs/out.log",
    "log_file": "./logs/combined.log",
    "time": true,
    "autorestart": true,
    "max_restarts": 10,
    "min_uptime": "10s",
    "restart_delay": 4000
  }]
}`

const ecosystemTOML = `
[[apps]]
name = "stemulation-learning"
script = "npm"
args = "start"
cwd = "/var/www/stemulation-learning"
instances = 1
exec_mode = "fork"
watch = false
max_memory_restart = "1G"
error_file = "./logs/err.log"
out_file = "./logs/out.log"
log_file = "./logs/combined.log"
time = true
autorestart = true
max_restarts = 10
min_uptime = "10s"
restart_delay = 4000

[apps.env]
NODE_ENV = "production"
PORT = 5000
`

func checkEcosystem(f *File, e error) {
	So(e, ShouldBeNil)
	So(f.Len(), ShouldEqual, 1)
	ents, errs := f.Entries()
	So(errs, ShouldBeEmpty)
	So(len(ents), ShouldEqual, 1)

	spec, pol := ents[0].Spec, ents[0].Policy
	So(spec.Name, ShouldEqual, "stemulation-learning")
	So(spec.Command, ShouldEqual, "npm")
	So(spec.Args, ShouldResemble, []string{"start"})
	So(spec.Dir, ShouldEqual, "/var/www/stemulation-learning")
	So(spec.Env, ShouldResemble, map[string]string{
		"NODE_ENV": "production",
		"PORT":     "5000",
	})
	So(spec.Watch, ShouldBeEmpty)
	So(spec.Time, ShouldBeTrue)
	So(spec.OutFile, ShouldEqual, "/var/www/stemulation-learning/logs/out.log")
	So(spec.ErrFile, ShouldEqual, "/var/www/stemulation-learning/logs/err.log")
	So(spec.LogFile, ShouldEqual, "/var/www/stemulation-learning/logs/combined.log")

	So(pol.AutoRestart, ShouldBeTrue)
	So(pol.MaxRestarts, ShouldEqual, 10)
	So(pol.MinUptime, ShouldEqual, 10*time.Second)
	So(pol.RestartDelay, ShouldEqual, 4*time.Second)
	So(pol.MaxMemory, ShouldEqual, uint64(1<<30))
	So(pol.KillTimeout, ShouldEqual, pmvisor.DefaultKillTimeout)
}

func TestEcosystemFormats(t *testing.T) {
	Convey("The same ecosystem in every format", t, func() {
		Convey("YAML", func() {
			checkEcosystem(Parse([]byte(ecosystemYAML), FormatYAML, "/"))
		})
		Convey("JSON", func() {
			checkEcosystem(Parse([]byte(ecosystemJSON), FormatJSON, "/"))
		})
		Convey("JSON with a byte order mark", func() {
			checkEcosystem(Parse([]byte("\xef\xbb\xbf"+ecosystemJSON), FormatJSON, "/"))
		})
		Convey("TOML", func() {
			checkEcosystem(Parse([]byte(ecosystemTOML), FormatTOML, "/"))
		})
	})
}

func TestLoad(t *testing.T) {
	Convey("Loading from disk", t, func() {
		dir := t.TempDir()

		Convey("Format follows the extension", func() {
			path := filepath.Join(dir, "ecosystem.yml")
			So(os.WriteFile(path, []byte(ecosystemYAML), 0644), ShouldBeNil)
			checkEcosystem(Load(path))
		})

		Convey("Relative paths resolve against the file", func() {
			path := filepath.Join(dir, "apps.json")
			So(os.WriteFile(path, []byte(`[{"name":"a","command":"./run.sh"}]`), 0644), ShouldBeNil)
			f, e := Load(path)
			So(e, ShouldBeNil)
			So(f.Dir, ShouldEqual, dir)
			ents, errs := f.Entries()
			So(errs, ShouldBeEmpty)
			So(ents[0].Spec.Dir, ShouldEqual, dir)
			So(ents[0].Spec.OutFile, ShouldEqual, filepath.Join(dir, "logs", "a-out.log"))
			So(ents[0].Spec.ErrFile, ShouldEqual, filepath.Join(dir, "logs", "a-error.log"))
			So(ents[0].Spec.LogFile, ShouldEqual, "")
		})

		Convey("Unknown extensions are refused", func() {
			_, e := Load(filepath.Join(dir, "ecosystem.config.js"))
			So(e, ShouldNotBeNil)
		})

		Convey("Missing files are reported", func() {
			_, e := Load(filepath.Join(dir, "nope.yaml"))
			So(errors.Is(e, os.ErrNotExist), ShouldBeTrue)
		})
	})
}

func TestEntries(t *testing.T) {
	Convey("Validating applications", t, func() {
		parse := func(doc string) ([]Entry, []error) {
			f, e := Parse([]byte(doc), FormatYAML, "/srv")
			So(e, ShouldBeNil)
			return f.Entries()
		}

		Convey("Defaults apply", func() {
			ents, errs := parse("- command: /bin/server\n")
			So(errs, ShouldBeEmpty)
			So(ents[0].Spec.Name, ShouldEqual, "server")
			So(ents[0].Spec.Dir, ShouldEqual, "/srv")
			So(ents[0].Policy, ShouldResemble, pmvisor.DefaultRestartPolicy())
		})

		Convey("Args may be a list", func() {
			ents, errs := parse("- command: node\n  args: [app.js, --port, 80]\n")
			So(errs, ShouldBeEmpty)
			So(ents[0].Spec.Args, ShouldResemble, []string{"app.js", "--port", "80"})
		})

		Convey("Watch true means the working directory", func() {
			ents, errs := parse("- command: node\n  watch: true\n  ignore_watch: ['*.tmp']\n")
			So(errs, ShouldBeEmpty)
			So(ents[0].Spec.Watch, ShouldResemble, []string{"."})
			So(ents[0].Spec.IgnoreWatch, ShouldResemble, []string{"*.tmp"})
		})

		Convey("Autorestart can be disabled", func() {
			ents, errs := parse("- command: node\n  autorestart: false\n  kill_timeout: 3s\n")
			So(errs, ShouldBeEmpty)
			So(ents[0].Policy.AutoRestart, ShouldBeFalse)
			So(ents[0].Policy.KillTimeout, ShouldEqual, 3*time.Second)
		})

		Convey("Instances expand", func() {
			ents, errs := parse("- name: web\n  command: node\n  instances: 3\n  exec_mode: cluster\n  env: {A: b}\n")
			So(errs, ShouldBeEmpty)
			So(len(ents), ShouldEqual, 3)
			for i, ent := range ents {
				So(ent.Spec.Name, ShouldEqual, "web-"+string(rune('0'+i)))
				So(ent.Spec.Env["INSTANCE_ID"], ShouldEqual, string(rune('0'+i)))
				So(ent.Spec.Env["A"], ShouldEqual, "b")
			}
			So(ents[1].Spec.OutFile, ShouldEqual, "/srv/logs/web-out-1.log")
		})

		Convey("Instances max runs a single instance", func() {
			ents, errs := parse("- name: web\n  command: node\n  instances: max\n")
			So(errs, ShouldBeEmpty)
			So(len(ents), ShouldEqual, 1)
			So(ents[0].Spec.Name, ShouldEqual, "web")
		})

		Convey("A bad entry does not spoil the rest", func() {
			ents, errs := parse(`
- name: good
  command: node
- name: bad
  command: node
  max_memory_restart: 12Q
- name: nocmd
`)
			So(len(ents), ShouldEqual, 1)
			So(ents[0].Spec.Name, ShouldEqual, "good")
			So(len(errs), ShouldEqual, 2)

			var ce *pmvisor.ConfigError
			So(errors.As(errs[0], &ce), ShouldBeTrue)
			So(ce.App, ShouldEqual, "bad")
			So(ce.Field, ShouldEqual, "max_memory_restart")
			So(errors.Is(errs[0], ErrBadSuffix), ShouldBeTrue)

			So(errors.As(errs[1], &ce), ShouldBeTrue)
			So(ce.App, ShouldEqual, "nocmd")
			So(errors.Is(errs[1], ErrRequired), ShouldBeTrue)
		})

		Convey("Duplicate names are refused", func() {
			ents, errs := parse("- {name: a, command: x}\n- {name: a, command: y}\n")
			So(len(ents), ShouldEqual, 1)
			So(len(errs), ShouldEqual, 1)
			So(errors.Is(errs[0], pmvisor.ErrDuplicate), ShouldBeTrue)
		})

		Convey("Unknown exec modes are refused", func() {
			_, errs := parse("- {command: x, exec_mode: thread}\n")
			So(len(errs), ShouldEqual, 1)
			So(errors.Is(errs[0], ErrBadMode), ShouldBeTrue)
		})

		Convey("Negative values are refused", func() {
			_, errs := parse("- {command: x, min_uptime: -5}\n- {command: y, max_restarts: -1}\n")
			So(len(errs), ShouldEqual, 2)
			So(errors.Is(errs[0], ErrNegative), ShouldBeTrue)
			So(errors.Is(errs[1], ErrNegative), ShouldBeTrue)
		})

		Convey("Empty documents are refused", func() {
			_, e := Parse([]byte("apps: []\n"), FormatYAML, "/")
			So(e, ShouldNotBeNil)
		})
	})
}

func TestValues(t *testing.T) {
	Convey("Byte sizes", t, func() {
		for in, want := range map[string]uint64{
			"1024":  1024,
			"512K":  512 << 10,
			"200MB": 200 << 20,
			"1G":    1 << 30,
			"1.5g":  3 << 29,
			"2T":    2 << 40,
		} {
			v, e := ParseByteSize(in)
			So(e, ShouldBeNil)
			So(v, ShouldEqual, want)
		}
		_, e := ParseByteSize("12Q")
		So(errors.Is(e, ErrBadSuffix), ShouldBeTrue)
		_, e = ParseByteSize("M")
		So(errors.Is(e, ErrRequired), ShouldBeTrue)
		_, e = ParseByteSize("99999999999T")
		So(errors.Is(e, ErrRange), ShouldBeTrue)
	})

	Convey("Durations", t, func() {
		for in, want := range map[string]time.Duration{
			"4000":  4 * time.Second,
			"10s":   10 * time.Second,
			"1m30s": 90 * time.Second,
			"250ms": 250 * time.Millisecond,
		} {
			v, e := ParseDuration(in)
			So(e, ShouldBeNil)
			So(v, ShouldEqual, want)
		}
		_, e := ParseDuration("soon")
		So(e, ShouldNotBeNil)
		_, e = ParseDuration("-1s")
		So(errors.Is(e, ErrNegative), ShouldBeTrue)
	})
}
