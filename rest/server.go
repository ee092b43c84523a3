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

package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/pmvisor/pmvisor"
)

// Handler wraps a Manager, adding http.Handler functionality.
type Handler struct {
	m       *pmvisor.Manager
	r       *mux.Router
	metrics http.Handler
	users   map[string][]byte
	lock    sync.Mutex
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := json.Marshal(e); err != nil {
		h.internalError(w, err)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

func formatEtag(v int64) string {
	return `"` + strconv.FormatInt(v, 16) + `"`
}

func parseEtag(s string) (int64, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "W/")
	v, e := strconv.ParseInt(strings.Trim(s, `"`), 16, 64)
	return v, e == nil
}

// poll returns the current value of a serial, first waiting for it to
// move away from the one named in the poll headers, if any.
func poll(r *http.Request, watch func(int64, time.Duration) int64) int64 {
	old, ok := parseEtag(r.Header.Get(PollEtagHeader))
	secs, _ := strconv.Atoi(r.Header.Get(PollTimeHeader))
	if !ok || secs <= 0 {
		return watch(0, 0)
	}
	if secs > MaxPollTime {
		secs = MaxPollTime
	}
	return watch(old, time.Duration(secs)*time.Second)
}

// notModified sets the Etag, and answers a matching If-None-Match.
func notModified(w http.ResponseWriter, r *http.Request, serial int64) bool {
	etag := formatEtag(serial)
	w.Header().Set("Etag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return true
	}
	return false
}

func (h *Handler) getManager(w http.ResponseWriter, r *http.Request) {
	serial := poll(r, h.m.WatchSerial)
	if notModified(w, r, serial) {
		return
	}
	mi := h.m.GetInfo()
	h.writeJson(w, &ManagerInfo{
		Name:       mi.Name,
		CreateTime: mi.CreateTime,
		UpdateTime: mi.UpdateTime,
		Services:   len(h.m.Services()),
	})
}

func (h *Handler) listServices(w http.ResponseWriter, r *http.Request) {
	serial := poll(r, h.m.WatchServices)
	if notModified(w, r, serial) {
		return
	}
	svcs := h.m.Services()
	l := make([]string, 0, len(svcs))
	for _, svc := range svcs {
		l = append(l, svc.Name())
	}

	h.writeJson(w, l)
}

func (h *Handler) findService(r *http.Request) (*pmvisor.Service, *Error) {
	name := mux.Vars(r)["service"]
	svc, e := h.m.FindService(name)
	if e != nil {
		return nil, &Error{http.StatusNotFound, "Service not found"}
	}
	return svc, nil
}

func serviceInfo(svc *pmvisor.Service) *ServiceInfo {
	spec := svc.Spec()
	pol := svc.Policy()
	rs := svc.Status()
	info := &ServiceInfo{
		Name:        svc.Name(),
		Command:     spec.Command,
		Args:        spec.Args,
		Dir:         spec.Dir,
		OutFile:     spec.OutFile,
		ErrFile:     spec.ErrFile,
		LogFile:     spec.LogFile,
		Watch:       len(spec.Watch) > 0,
		State:       rs.State.String(),
		RunID:       rs.RunID,
		Pid:         rs.Pid,
		Restarts:    rs.Restarts,
		MaxRestarts: pol.MaxRestarts,
		Failures:    rs.Failures,
		Launches:    rs.Launches,
		Started:     rs.Started,
		Uptime:      rs.Uptime(time.Now()),
		LastExit:    rs.LastExit,
		LastCause:   rs.LastCause.String(),
		RSS:         rs.RSS,
		MaxMemory:   pol.MaxMemory,
	}
	if rs.Fatal != nil {
		info.Fatal = rs.Fatal.Error()
	}
	info.Status, info.TimeStamp = svc.Reason()
	return info
}

func (h *Handler) getService(w http.ResponseWriter, r *http.Request) {
	serial := poll(r, h.m.WatchSerial)
	if svc, e := h.findService(r); e != nil {
		h.writeError(w, e)
	} else if !notModified(w, r, serial) {
		h.writeJson(w, serviceInfo(svc))
	}
}

// operate runs one of the operator requests against the named service.
func (h *Handler) operate(fn func(*pmvisor.Service) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc, e := h.findService(r); e != nil {
			h.writeError(w, e)
		} else if err := fn(svc); err != nil {
			code := http.StatusBadRequest
			if errors.Is(err, pmvisor.ErrShutdown) {
				code = http.StatusServiceUnavailable
			}
			h.writeError(w, &Error{code, err.Error()})
		} else {
			h.writeJson(w, ok)
		}
	}
}

func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	if svc, e := h.findService(r); e != nil {
		h.writeError(w, e)
	} else {
		id := poll(r, svc.WatchLog)
		if notModified(w, r, id) {
			return
		}
		recs, _ := svc.GetLog(0)
		h.writeJson(w, recs)
	}
}

func (h *Handler) getManagerLog(w http.ResponseWriter, r *http.Request) {
	id := poll(r, h.m.WatchLog)
	if notModified(w, r, id) {
		return
	}
	recs, _ := h.m.GetLog(0)
	h.writeJson(w, recs)
}

func (h *Handler) getMetrics(w http.ResponseWriter, r *http.Request) {
	h.lock.Lock()
	mh := h.metrics
	h.lock.Unlock()
	if mh == nil {
		h.writeError(w, &Error{http.StatusNotFound, "Metrics not enabled"})
		return
	}
	mh.ServeHTTP(w, r)
}

// SetGatherer serves the metrics of g at /metrics.
func (h *Handler) SetGatherer(g prometheus.Gatherer) {
	h.lock.Lock()
	h.metrics = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	h.lock.Unlock()
}

// AddUser permits HTTP basic authentication as user, with a password
// matching the bcrypt hash.  Once a user is added, every request must
// authenticate.
func (h *Handler) AddUser(user string, hash []byte) error {
	if _, e := bcrypt.Cost(hash); e != nil {
		return e
	}
	h.lock.Lock()
	h.users[user] = hash
	h.lock.Unlock()
	return nil
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.lock.Lock()
		need := len(h.users) > 0
		user, pass, ok := r.BasicAuth()
		hash := h.users[user]
		h.lock.Unlock()
		if need && (!ok || hash == nil ||
			bcrypt.CompareHashAndPassword(hash, []byte(pass)) != nil) {
			w.Header().Set("WWW-Authenticate", `Basic realm="pmvisor"`)
			h.writeError(w, &Error{http.StatusUnauthorized, "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func NewHandler(m *pmvisor.Manager) *Handler {
	r := mux.NewRouter()
	h := &Handler{m: m, r: r, users: make(map[string][]byte)}
	r.Use(h.authenticate)
	r.HandleFunc("/", h.getManager).Methods("GET")
	r.HandleFunc("/services", h.listServices).Methods("GET")
	r.HandleFunc("/services/{service}", h.getService).Methods("GET")
	r.HandleFunc("/services/{service}/start",
		h.operate((*pmvisor.Service).Start)).Methods("POST")
	r.HandleFunc("/services/{service}/stop",
		h.operate((*pmvisor.Service).Stop)).Methods("POST")
	r.HandleFunc("/services/{service}/restart",
		h.operate((*pmvisor.Service).Restart)).Methods("POST")
	r.HandleFunc("/services/{service}/reset",
		h.operate((*pmvisor.Service).Reset)).Methods("POST")
	r.HandleFunc("/services/{service}/log", h.getLog).Methods("GET")
	r.HandleFunc("/log", h.getManagerLog).Methods("GET")
	r.HandleFunc("/metrics", h.getMetrics).Methods("GET")
	return h
}
