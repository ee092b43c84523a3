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

package pmvisor

import (
	"strings"
	"sync"
	"time"
)

const (
	MaxLogRecords = 1000
)

// LogRecord is one line of supervisor log.
type LogRecord struct {
	Id   int64     `json:"id,string"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Log keeps the most recent supervisor messages in memory, so that they
// can be served to clients.  It implements io.Writer, for use with
// log.Logger.
type Log struct {
	records    []LogRecord
	numRecords int
	id         int64
	changed    *sync.Cond
	mx         sync.Mutex
}

// Write implements the Writer interface consumed by Logger.
func (l *Log) Write(b []byte) (int, error) {
	str := strings.Trim(string(b), "\n")
	now := time.Now()
	l.mx.Lock()
	for _, line := range strings.Split(str, "\n") {
		idx := l.numRecords % len(l.records)
		l.id++
		l.records[idx] = LogRecord{Id: l.id, Time: now, Text: line}
		// NB: numRecords may be more than len(records); it tracks
		// the next index.
		l.numRecords++
	}
	l.changed.Broadcast()
	l.mx.Unlock()
	return len(b), nil
}

// Clear discards every record.
func (l *Log) Clear() {
	l.mx.Lock()
	l.numRecords = 0
	// We presume that we cannot add new records more quickly than
	// once every nanosecond.
	l.id = time.Now().UnixNano()
	l.changed.Broadcast()
	l.mx.Unlock()
}

// GetRecords returns the stored records, oldest first, together with an
// ID suitable for use as an Etag.  If last is the current ID, nothing has
// changed and nil is returned.  IDs are not unique across Log instances.
func (l *Log) GetRecords(last int64) ([]LogRecord, int64) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.id == last {
		return nil, last
	}
	cnt := l.numRecords
	if cnt > len(l.records) {
		cnt = len(l.records)
	}
	recs := make([]LogRecord, 0, cnt)
	for index := l.numRecords - cnt; index < l.numRecords; index++ {
		recs = append(recs, l.records[index%len(l.records)])
	}
	return recs, l.id
}

// Watch waits until the ID differs from last, or until expire has
// passed, and returns the current ID.  An expire of zero polls.
func (l *Log) Watch(last int64, expire time.Duration) int64 {
	expired := expire <= 0
	var timer *time.Timer
	if !expired {
		timer = time.AfterFunc(expire, func() {
			l.mx.Lock()
			expired = true
			l.changed.Broadcast()
			l.mx.Unlock()
		})
	}

	l.mx.Lock()
	for l.id == last && !expired {
		l.changed.Wait()
	}
	id := l.id
	l.mx.Unlock()
	if timer != nil {
		timer.Stop()
	}
	return id
}

// NewLog returns a Log holding up to max records.  A max of zero uses
// MaxLogRecords.
func NewLog(max int) *Log {
	if max <= 0 {
		max = MaxLogRecords
	}
	l := &Log{
		records: make([]LogRecord, max),
		id:      time.Now().UnixNano(),
	}
	l.changed = sync.NewCond(&l.mx)
	return l
}
