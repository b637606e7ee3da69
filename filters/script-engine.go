// elfilter: script-driven filtering of SAM/BAM files.
// Copyright (c) 2017-2024 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elprep/blob/master/LICENSE.txt>.

package filters

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/exascience/elfilter/sam"
)

// CompileError reports a filter script that cannot be compiled.
type CompileError struct {
	Err error
}

func (e *CompileError) Error() string {
	return "invalid filter script: " + e.Err.Error()
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// RuntimeError reports a filter script that failed on a record: it
// threw an exception, ran out of time or crashed a callback.
type RuntimeError struct {
	QNAME string
	Chrom string
	Pos   int32
	Err   error
}

func (e *RuntimeError) Error() string {
	return "filter script failed on record " + e.QNAME + " at " + e.Chrom + ":" + strconv.Itoa(int(e.Pos)) + ": " + e.Err.Error()
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// ErrEngineBusy is returned by Evaluate when another evaluation on the
// same engine is still in progress.
var ErrEngineBusy = errors.New("script engine is already evaluating a record")

// ErrTimeout is the cause of a RuntimeError for a script that exceeded
// its time limit.
var ErrTimeout = errors.New("filter script timed out")

// A ScriptEngine evaluates a compiled filter script against one record
// at a time. Its runtime is not reentrant: an engine must only be used
// by one goroutine at a time, and concurrent calls of Evaluate fail
// with ErrEngineBusy. Independent engines share nothing.
type ScriptEngine struct {
	vm      *goja.Runtime
	bridge  *recordBridge
	fn      goja.Callable
	timeout time.Duration
	busy    atomic.Bool

	// watchdog guards generation, which numbers the evaluations. A
	// timer only interrupts the evaluation it was started for.
	watchdog   sync.Mutex
	generation uint64
}

// A ScriptOption configures a ScriptEngine.
type ScriptOption func(*ScriptEngine)

// WithTimeout limits the execution time of the script per record. Zero
// means no limit.
func WithTimeout(timeout time.Duration) ScriptOption {
	return func(engine *ScriptEngine) {
		engine.timeout = timeout
	}
}

// NewScriptEngine compiles source and installs the aln proxy and the
// hasFlag function in a fresh runtime. Failures are reported as
// *CompileError.
func NewScriptEngine(source string, options ...ScriptOption) (*ScriptEngine, error) {
	program, err := parseScript(source)
	if err != nil {
		return nil, &CompileError{Err: err}
	}
	compiled, err := goja.CompileAST(program, false)
	if err != nil {
		return nil, &CompileError{Err: err}
	}
	engine := &ScriptEngine{vm: goja.New()}
	for _, option := range options {
		option(engine)
	}
	engine.bridge = newRecordBridge(engine.vm)
	if err = defineGlobal(engine.vm, "aln", engine.bridge.proxy); err != nil {
		return nil, &CompileError{Err: err}
	}
	if err = installHasFlag(engine.vm); err != nil {
		return nil, &CompileError{Err: err}
	}
	if _, err = engine.vm.RunProgram(compiled); err != nil {
		return nil, &CompileError{Err: err}
	}
	fn, ok := goja.AssertFunction(engine.vm.Get(scriptFunction))
	if !ok {
		return nil, &CompileError{Err: errNotABody}
	}
	engine.fn = fn
	return engine, nil
}

// Evaluate runs the script with aln bound to the global aln object and
// returns the truthiness of its result. The record is unbound again
// before Evaluate returns.
func (engine *ScriptEngine) Evaluate(aln *sam.Alignment, header sam.HeaderView) (keep bool, err error) {
	if !engine.busy.CompareAndSwap(false, true) {
		return false, ErrEngineBusy
	}
	defer engine.busy.Store(false)

	engine.vm.ClearInterrupt()
	engine.bridge.bind(aln, header)
	defer engine.bridge.release()

	defer func() {
		if x := recover(); x != nil {
			keep, err = false, engine.runtimeError(aln, header, fmt.Errorf("panic: %v", x))
		}
	}()

	if engine.timeout > 0 {
		generation := engine.startWatch()
		timer := time.AfterFunc(engine.timeout, func() {
			engine.interrupt(generation)
		})
		defer engine.stopWatch(timer)
	}

	result, err := engine.fn(goja.Undefined())
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if cause, ok := interrupted.Value().(error); ok {
				err = cause
			}
		}
		return false, engine.runtimeError(aln, header, err)
	}
	return result.ToBoolean(), nil
}

func (engine *ScriptEngine) startWatch() uint64 {
	engine.watchdog.Lock()
	defer engine.watchdog.Unlock()
	engine.generation++
	return engine.generation
}

// interrupt stops the running script if it is still the evaluation
// numbered generation.
func (engine *ScriptEngine) interrupt(generation uint64) {
	engine.watchdog.Lock()
	defer engine.watchdog.Unlock()
	if engine.generation == generation {
		engine.vm.Interrupt(ErrTimeout)
	}
}

// stopWatch ends the current generation, so a timer that already fired
// but has not interrupted yet becomes a no-op.
func (engine *ScriptEngine) stopWatch(timer *time.Timer) {
	timer.Stop()
	engine.watchdog.Lock()
	engine.generation++
	engine.watchdog.Unlock()
}

// defineGlobal installs a global that scripts can neither reassign nor
// delete.
func defineGlobal(vm *goja.Runtime, name string, value interface{}) error {
	return vm.GlobalObject().DefineDataProperty(name, vm.ToValue(value), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
}

func (engine *ScriptEngine) runtimeError(aln *sam.Alignment, header sam.HeaderView, err error) *RuntimeError {
	return &RuntimeError{
		QNAME: aln.QNAME,
		Chrom: aln.ReferenceName(header),
		Pos:   aln.POS,
		Err:   err,
	}
}
