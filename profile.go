package main

import (
	"log"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// startProfiling starts CPU profiling and execution tracing for non-empty
// paths. The returned function stops them, and writes a heap profile to mempath
// if set.
func startProfiling(cpupath, mempath, tracepath string) func() {
	var stops []func()
	if tracepath != "" {
		f, err := os.Create(tracepath)
		xcheckf(err, "create trace file")
		err = trace.Start(f)
		xcheckf(err, "start trace")
		stops = append(stops, func() {
			trace.Stop()
			closeProfile(f, "trace")
		})
	}
	if cpupath != "" {
		f, err := os.Create(cpupath)
		xcheckf(err, "creating cpu profile")
		err = pprof.StartCPUProfile(f)
		xcheckf(err, "start cpu profile")
		stops = append(stops, func() {
			pprof.StopCPUProfile()
			closeProfile(f, "cpu profile")
		})
	}
	return func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
		if mempath == "" {
			return
		}
		f, err := os.Create(mempath)
		xcheckf(err, "creating memory profile")
		runtime.GC() // get up-to-date statistics
		err = pprof.WriteHeapProfile(f)
		xcheckf(err, "writing memory profile")
		closeProfile(f, "memory profile")
	}
}

func closeProfile(f *os.File, what string) {
	if err := f.Close(); err != nil {
		log.Printf("closing %s: %v", what, err)
	}
}
