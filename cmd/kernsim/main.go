//go:build linux

// Command kernsim boots the kernel core on simulated RAM inside a host
// process and drives a synthetic user workload on several cores.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
)

func main() {
	var (
		memMb   = flag.Uint("mem", 64, "simulated RAM size in megabytes")
		cores   = flag.Int("cores", 2, "number of simulated cores")
		ticks   = flag.Int("ticks", 500, "timer ticks to run on every core")
		slice   = flag.Uint("slice", 2, "scheduler time slice in ticks")
		procs   = flag.Int("procs", 3, "number of processes spawned at boot")
		noForks = flag.Bool("no-fork", false, "do not fork the spawned processes")
		quiet   = flag.Bool("quiet", false, "suppress the kernel log")
	)
	flag.Parse()

	var console io.Writer = os.Stdout
	if *quiet {
		console = io.Discard
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	stats, err := run(ctx, simConfig{
		MemMb:     *memMb,
		Cores:     *cores,
		Ticks:     *ticks,
		TimeSlice: uint32(*slice),
		Procs:     *procs,
		Fork:      !*noForks,
		Console:   console,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "[kernsim] error: %s\n", err.Error())
		os.Exit(1)
	}

	stats.Print(os.Stdout)
}
