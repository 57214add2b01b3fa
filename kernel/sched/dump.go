package sched

import (
	"io"
	"kestrel/kernel/kfmt"
	"sync/atomic"
)

// Dump writes one line per live thread to w, ordered by id. It runs on the
// panic path so it never spins: if another core holds the thread table lock
// the dump is skipped.
func (s *Scheduler) Dump(w io.Writer) {
	if !s.lock.TryToAcquire() {
		kfmt.Fprintf(w, "[sched] thread table busy; dump skipped\n")
		return
	}
	defer s.lock.Release()

	kfmt.Fprintf(w, "[sched] %-6s %-4s %-6s %-8s %16s\n", "thread", "core", "kind", "state", "rip")
	for id, last := uint64(1), atomic.LoadUint64(&s.nextID); id <= last; id++ {
		t := s.threads[id]
		if t == nil {
			continue
		}

		kind := "user"
		switch {
		case t.idle:
			kind = "idle"
		case t.as == nil:
			kind = "kernel"
		}

		kfmt.Fprintf(w, "[sched] %-6d %-4d %-6s %-8s %16x\n", t.id, t.core, kind, t.State().String(), t.regs.RIP)
	}
}
