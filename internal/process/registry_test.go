package process

import (
	"fmt"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestRegisterAndExit(t *testing.T) {
	r := NewRegistry(nil)
	id := r.Register("sleep 5", "task1", 1234)
	r.AppendOutput(id, []byte("hello\n"))
	r.MarkExited(id, 0)

	rec, ok := r.Get(id)
	if !ok {
		t.Fatal("record missing")
	}
	if !rec.Exited || rec.ExitCode != 0 || rec.Output != "hello\n" {
		t.Errorf("record = %+v", rec)
	}
}

func TestOutputCapDropsOldest(t *testing.T) {
	r := NewRegistry(nil)
	r.outputCap = 10
	id := r.Register("yes", "t", 1)
	r.AppendOutput(id, []byte("0123456789"))
	r.AppendOutput(id, []byte("ABCDE"))

	rec, _ := r.Get(id)
	if rec.Output != "56789ABCDE" {
		t.Errorf("Output = %q, want oldest bytes dropped", rec.Output)
	}
	if !rec.Truncated {
		t.Error("Truncated flag not set")
	}
}

func TestPruneTTL(t *testing.T) {
	r := NewRegistry(nil)
	r.ttl = time.Millisecond
	id := r.Register("x", "t", 1)
	r.MarkExited(id, 0)
	time.Sleep(5 * time.Millisecond)
	r.Prune()
	if _, ok := r.Get(id); ok {
		t.Error("exited record survived TTL prune")
	}
}

func TestCapEvictsExitedFirst(t *testing.T) {
	r := NewRegistry(nil)
	r.maxCount = 4
	var exitedIDs, activeIDs []string
	for i := 0; i < 3; i++ {
		id := r.Register(fmt.Sprintf("done-%d", i), "t", 100+i)
		r.MarkExited(id, 0)
		exitedIDs = append(exitedIDs, id)
	}
	for i := 0; i < 3; i++ {
		activeIDs = append(activeIDs, r.Register(fmt.Sprintf("live-%d", i), "t", 200+i))
	}
	r.Prune()

	records := r.List("t")
	if len(records) > 4 {
		t.Fatalf("cap not enforced: %d records", len(records))
	}
	for _, id := range activeIDs {
		if _, ok := r.Get(id); !ok {
			t.Errorf("active record %s evicted while exited ones remain", id)
		}
	}
	survivingExited := 0
	for _, id := range exitedIDs {
		if _, ok := r.Get(id); ok {
			survivingExited++
		}
	}
	if survivingExited != 1 {
		t.Errorf("surviving exited = %d, want oldest two evicted", survivingExited)
	}
}

func TestKillAllDoesNotBlock(t *testing.T) {
	r := NewRegistry(nil)
	var mu sync.Mutex
	var signals []syscall.Signal
	r.kill = func(pid int, sig syscall.Signal) error {
		mu.Lock()
		signals = append(signals, sig)
		mu.Unlock()
		if sig == syscall.Signal(0) {
			return nil // still alive, force escalation
		}
		return nil
	}
	r.Register("spin", "task9", 4242)

	start := time.Now()
	n := r.KillAll("task9")
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("KillAll blocked for %v", elapsed)
	}
	if n != 1 {
		t.Errorf("KillAll = %d, want 1", n)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		var seen string
		for _, s := range signals {
			seen += s.String() + ","
		}
		mu.Unlock()
		if strings.Contains(seen, syscall.SIGKILL.String()) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("SIGKILL escalation never happened: %v", seen)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestListFiltersByTask(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("a", "t1", 1)
	r.Register("b", "t2", 2)
	if got := len(r.List("t1")); got != 1 {
		t.Errorf("List(t1) = %d records", got)
	}
	if got := len(r.List("")); got != 2 {
		t.Errorf("List(all) = %d records", got)
	}
}
