package main

import (
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// profile starts cpu profiling to cpupath if set, and returns a function that
// stops it and writes a heap profile to mempath if set.
func profile(cpupath, mempath string) func() {
	var stopCPU func()
	if cpupath != "" {
		f, err := os.Create(cpupath)
		xcheckf(err, "creating cpu profile")
		err = pprof.StartCPUProfile(f)
		xcheckf(err, "starting cpu profile")
		stopCPU = func() {
			pprof.StopCPUProfile()
			err := f.Close()
			xcheckf(err, "closing cpu profile")
		}
	}

	return func() {
		if stopCPU != nil {
			stopCPU()
		}
		if mempath == "" {
			return
		}
		f, err := os.Create(mempath)
		xcheckf(err, "creating memory profile")
		runtime.GC() // For up-to-date statistics.
		err = pprof.WriteHeapProfile(f)
		xcheckf(err, "writing memory profile")
		err = f.Close()
		xcheckf(err, "closing memory profile")
	}
}

// traceExecution writes an execution trace to path until the returned function
// is called.
func traceExecution(path string) func() {
	f, err := os.Create(path)
	xcheckf(err, "creating trace file")
	err = trace.Start(f)
	xcheckf(err, "starting trace")
	return func() {
		trace.Stop()
		err := f.Close()
		xcheckf(err, "closing trace file")
	}
}
