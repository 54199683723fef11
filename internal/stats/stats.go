package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"
)

const (
	ActiveSubscriptions = "ActiveSubscriptions"
	MessagesReceived    = "MessagesReceived"
	MessagesSent        = "MessagesSent"
	SendFailures        = "SendFailures"
	PresenceSyncs       = "PresenceSyncs"
	Reconnects          = "Reconnects"
	FetchFailures       = "FetchFailures"
)

// Metrics lists every counter the client registers at startup.
var Metrics = []string{
	ActiveSubscriptions,
	MessagesReceived,
	MessagesSent,
	SendFailures,
	PresenceSyncs,
	Reconnects,
	FetchFailures,
}

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
	done       chan struct{}
	stopOnce   sync.Once
}

type metricsUpdateReq struct {
	name  string
	value int
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater creates a stats updater and registers its handler on mux.
// The expvar map is not published globally so that several updaters can
// coexist in one process.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		updateChan: make(chan *metricsUpdateReq, 512),
		done:       make(chan struct{}),
		vars:       new(expvar.Map).Init(),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
}

func (su *StatsUpdater) updateMetrics() {
	for {
		select {
		case req := <-su.updateChan:
			metric, ok := su.vars.Get(req.name).(*expvar.Int)
			if !ok {
				continue
			}
			metric.Add(int64(req.value))
		case <-su.done:
			return
		}
	}
}

// Incr never blocks; updates are dropped when the queue is full.
func (su *StatsUpdater) Incr(name string) {
	su.queue(&metricsUpdateReq{name: name, value: 1})
}

func (su *StatsUpdater) Decr(name string) {
	su.queue(&metricsUpdateReq{name: name, value: -1})
}

func (su *StatsUpdater) queue(req *metricsUpdateReq) {
	select {
	case su.updateChan <- req:
	default:
	}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

// Value returns the current value of a counter, or 0 if it is unknown.
func (su *StatsUpdater) Value(name string) int64 {
	if metric, ok := su.vars.Get(name).(*expvar.Int); ok {
		return metric.Value()
	}
	return 0
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

// Stop ends the updater. Updates queued afterwards are dropped.
func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() { close(su.done) })
}

// Discard is a StatsProvider that records nothing.
type Discard struct{}

func (Discard) Incr(string)           {}
func (Discard) Decr(string)           {}
func (Discard) RegisterMetric(string) {}
func (Discard) Run()                  {}
