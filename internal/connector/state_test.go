package connector

import (
	"testing"

	"github.com/danmuck/showlink/internal/testutil/testlog"
)

func TestCanTransitionFollowsLifecycleGraph(t *testing.T) {
	testlog.Start(t)
	allowed := map[State][]State{
		StateIdle:         {StateConnecting, StateReconnecting, StateClosed},
		StateConnecting:   {StateSyncing, StateReconnecting, StateClosed},
		StateSyncing:      {StateLive, StateReconnecting, StateClosed},
		StateLive:         {StateReconnecting, StateClosed},
		StateReconnecting: {StateConnecting, StateClosed},
		StateClosed:       {},
	}
	all := []State{StateIdle, StateConnecting, StateSyncing, StateLive, StateReconnecting, StateClosed}
	for _, from := range all {
		want := make(map[State]bool)
		for _, to := range allowed[from] {
			want[to] = true
		}
		for _, to := range all {
			if got := CanTransition(from, to); got != want[to] {
				t.Fatalf("%s -> %s got=%v want=%v", from, to, got, want[to])
			}
		}
	}
}
