package device

import (
	"math/rand"
	"testing"

	"github.com/httprunner/DevicePool/internal/model"
)

func TestNextTable(t *testing.T) {
	batch := model.NewBatch([]model.Test{{Clazz: "A", Method: "one"}})
	cases := []struct {
		from   State
		ev     Event
		to     State
		effect Effect
		valid  bool
	}{
		{StateConnected, Initialize{}, StateInitializing, EffectPrepare, true},
		{StateConnected, Terminate{}, StateTerminated, EffectTerminate, true},
		{StateConnected, WakeUp{}, StateConnected, EffectNone, true},
		{StateConnected, Complete{}, StateConnected, EffectNone, false},
		{StateConnected, Execute{Batch: batch}, StateConnected, EffectNone, false},
		{StateInitializing, Complete{}, StateReady, EffectNotifyReady, true},
		{StateInitializing, Terminate{}, StateTerminated, EffectTerminate, true},
		{StateInitializing, WakeUp{}, StateInitializing, EffectNone, true},
		{StateInitializing, Initialize{}, StateInitializing, EffectNone, false},
		{StateReady, Execute{Batch: batch}, StateRunning, EffectExecute, true},
		{StateReady, WakeUp{}, StateReady, EffectNotifyReady, true},
		{StateReady, Terminate{}, StateTerminated, EffectTerminate, true},
		{StateReady, Complete{}, StateReady, EffectNone, false},
		{StateRunning, Complete{}, StateReady, EffectDeliverResults, true},
		{StateRunning, Terminate{}, StateTerminated, EffectTerminate, true},
		{StateRunning, WakeUp{}, StateRunning, EffectNone, true},
		{StateRunning, Execute{Batch: batch}, StateRunning, EffectNone, false},
		{StateTerminated, WakeUp{}, StateTerminated, EffectNone, true},
		{StateTerminated, Initialize{}, StateTerminated, EffectNone, true},
		{StateTerminated, Terminate{}, StateTerminated, EffectNone, true},
		{StateRunning, GetState{}, StateRunning, EffectNone, true},
	}
	for _, c := range cases {
		got := Next(c.from, c.ev)
		if got.To != c.to || got.Effect != c.effect || got.Valid != c.valid || got.From != c.from {
			t.Errorf("Next(%s, %s) = %+v, want to=%s effect=%d valid=%v", c.from, c.ev.Name(), got, c.to, c.effect, c.valid)
		}
	}
}

func TestNextRandomSequencesStayInTable(t *testing.T) {
	batch := model.NewBatch([]model.Test{{Clazz: "A", Method: "one"}})
	events := []Event{Initialize{}, Complete{}, Execute{Batch: batch}, Terminate{}, WakeUp{}, GetState{}}
	allowed := map[State]map[State]bool{
		StateConnected:    {StateConnected: true, StateInitializing: true, StateTerminated: true},
		StateInitializing: {StateInitializing: true, StateReady: true, StateTerminated: true},
		StateReady:        {StateReady: true, StateRunning: true, StateTerminated: true},
		StateRunning:      {StateRunning: true, StateReady: true, StateTerminated: true},
		StateTerminated:   {StateTerminated: true},
	}
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 500; run++ {
		state := StateConnected
		for step := 0; step < 40; step++ {
			ev := events[rng.Intn(len(events))]
			tr := Next(state, ev)
			if !allowed[state][tr.To] {
				t.Fatalf("run %d: %s --%s--> %s is not in the table", run, state, ev.Name(), tr.To)
			}
			if _, wake := ev.(WakeUp); wake && !tr.Valid {
				t.Fatalf("WakeUp must never be invalid (state %s)", state)
			}
			state = tr.To
		}
	}
}
