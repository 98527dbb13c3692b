package systemd

import (
	"errors"
	"testing"

	logx "statejob/pkg/logx"
)

func TestNotifierSendsStates(t *testing.T) {
	t.Parallel()
	n := NewNotifier(logx.Nop())
	var got []string
	n.send = func(state string) (bool, error) {
		got = append(got, state)
		return true, nil
	}
	n.Ready()
	n.Reloading()
	n.Status("3 records")
	n.Stopping()

	want := []string{"READY=1", "RELOADING=1", "STATUS=3 records", "STOPPING=1"}
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNotifierSwallowsErrors(t *testing.T) {
	t.Parallel()
	n := NewNotifier(logx.Nop())
	calls := 0
	n.send = func(string) (bool, error) {
		calls++
		return false, errors.New("socket gone")
	}
	n.Ready()
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}
