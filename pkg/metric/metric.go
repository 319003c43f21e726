// Package metric publishes counters through expvar and keeps a rolling history of them.
package metric

import (
	"container/list"
	"expvar"
	"strconv"
	"strings"
	"time"
)

// HistoryLen is the number of samples kept by Push: one hour of deltas plus the first sample.
const HistoryLen = 61

// TickerFunc is the function signature accepted by AddTickerFunc, will be called once per minute.
type TickerFunc func()

var tickerFuncChan = make(chan TickerFunc)

func init() {
	go metricsTicker()
}

// AddTickerFunc adds a new function callback to the list of metrics TickerFuncs that get
// called each minute.
func AddTickerFunc(f TickerFunc) {
	tickerFuncChan <- f
}

// Push adds the metric to the end of the list and returns a comma separated string of the
// previous HistoryLen entries.
func Push(history *list.List, ev expvar.Var) string {
	history.PushBack(ev.String())
	if history.Len() > HistoryLen {
		history.Remove(history.Front())
	}
	return joinStringList(history)
}

// Counters returns the integer members of the named expvar map, such as "smtp" or "relay".
// History strings and other non-integer members are skipped.
func Counters(name string) map[string]int64 {
	out := make(map[string]int64)
	m, ok := expvar.Get(name).(*expvar.Map)
	if !ok {
		return out
	}
	m.Do(func(kv expvar.KeyValue) {
		if v, ok := kv.Value.(*expvar.Int); ok {
			out[kv.Key] = v.Value()
		}
	})
	return out
}

// ParseHistory splits a string produced by Push back into samples, skipping malformed entries.
func ParseHistory(s string) []int64 {
	if s == "" {
		return nil
	}
	fields := strings.Split(s, ",")
	out := make([]int64, 0, len(fields))
	for _, f := range fields {
		if v, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// metricsTicker calls the current list of TickerFuncs once per minute.
func metricsTicker() {
	funcs := make([]TickerFunc, 0)
	ticker := time.NewTicker(time.Minute)

	for {
		select {
		case <-ticker.C:
			for _, f := range funcs {
				f()
			}
		case f := <-tickerFuncChan:
			funcs = append(funcs, f)
		}
	}
}

// joinStringList joins a List containing strings by commas.
func joinStringList(listOfStrings *list.List) string {
	if listOfStrings.Len() == 0 {
		return ""
	}
	s := make([]string, 0, listOfStrings.Len())
	for e := listOfStrings.Front(); e != nil; e = e.Next() {
		s = append(s, e.Value.(string))
	}
	return strings.Join(s, ",")
}
