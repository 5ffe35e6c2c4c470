package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCollectorAggregates(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(StepOp("conversion"), 10*time.Millisecond, nil)
	c.RecordTiming(StepOp("conversion"), 30*time.Millisecond, errors.New("boom"))
	c.RecordTokens(StepOp("extraction"), 120)
	c.RecordTiming(StepOp("extraction"), 5*time.Millisecond, nil)
	c.Add(CounterCompleted, 2)

	snap := c.Snapshot()

	conv := snap.Op("step:conversion")
	if conv == nil {
		t.Fatal("missing conversion snapshot")
	}
	if conv.Count != 2 || conv.Failures != 1 {
		t.Errorf("count=%d failures=%d, want 2/1", conv.Count, conv.Failures)
	}
	if conv.MinTimeMs != 10 || conv.MaxTimeMs != 30 || conv.AvgTimeMs != 20 {
		t.Errorf("min/max/avg = %d/%d/%v", conv.MinTimeMs, conv.MaxTimeMs, conv.AvgTimeMs)
	}
	if conv.TotalTokens != nil {
		t.Errorf("conversion has no token usage")
	}

	ext := snap.Op("step:extraction")
	if ext == nil || ext.TotalTokens == nil || *ext.TotalTokens != 120 {
		t.Errorf("extraction tokens not recorded: %+v", ext)
	}

	if snap.Operations[0].Name != "step:conversion" {
		t.Errorf("operations not sorted: %v", snap.Operations[0].Name)
	}
	if snap.Counters[CounterCompleted] != 2 {
		t.Errorf("counter = %d", snap.Counters[CounterCompleted])
	}
	if snap.Op(OpPipeline) != nil {
		t.Errorf("unused operations are omitted")
	}
}

func TestCollectorTimeHelper(t *testing.T) {
	c := NewCollector()
	run := func() (err error) {
		defer c.Time(OpChunk, time.Now(), &err)
		return errors.New("failed")
	}
	_ = run()

	if got := c.Snapshot().Op(OpChunk); got == nil || got.Failures != 1 {
		t.Errorf("Time did not record the failure: %+v", got)
	}
}

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordTiming(OpPipeline, time.Millisecond, nil)
			c.Add(CounterSubmitted, 1)
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	if snap.Op(OpPipeline).Count != 50 || snap.Counters[CounterSubmitted] != 50 {
		t.Errorf("lost updates: %+v", snap)
	}
}
