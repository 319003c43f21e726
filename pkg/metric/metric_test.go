package metric

import (
	"container/list"
	"expvar"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPushKeepsHistoryLen(t *testing.T) {
	history := list.New()
	v := new(expvar.Int)
	var got string
	for range HistoryLen + 10 {
		v.Add(1)
		got = Push(history, v)
	}
	assert.Equal(t, HistoryLen, history.Len())

	samples := ParseHistory(got)
	assert.Len(t, samples, HistoryLen)
	assert.Equal(t, int64(11), samples[0])
	assert.Equal(t, int64(HistoryLen+10), samples[HistoryLen-1])
}

func TestParseHistory(t *testing.T) {
	assert.Nil(t, ParseHistory(""))
	assert.Equal(t, []int64{1, 2, 4}, ParseHistory("1,2,x,4"))
}

func TestCounters(t *testing.T) {
	m := expvar.NewMap("metric_test")
	total := new(expvar.Int)
	total.Set(42)
	hist := new(expvar.String)
	hist.Set("1,2,3")
	m.Set("Total", total)
	m.Set("TotalHist", hist)

	assert.Equal(t, map[string]int64{"Total": 42}, Counters("metric_test"))
	assert.Empty(t, Counters("no_such_map"))
}
