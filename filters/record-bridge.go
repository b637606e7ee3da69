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
	"github.com/dop251/goja"

	"github.com/exascience/elfilter/sam"
)

// bridgeKeys are the properties of the aln object, in enumeration
// order.
var bridgeKeys = []string{"mapq", "qname", "flag", "pos", "start", "end", "chrom", "cigar", "aux"}

// recordBridge exposes one alignment at a time to scripts. It is the
// goja.DynamicObject behind the global aln object: the same object is
// rebound to every record instead of being recreated, and all
// properties are computed when they are read. A bridge is confined to
// the goroutine that owns its runtime.
type recordBridge struct {
	vm     *goja.Runtime
	proxy  *goja.Object
	aux    goja.Value
	aln    *sam.Alignment
	header sam.HeaderView
	cigar  goja.Value
}

func newRecordBridge(vm *goja.Runtime) *recordBridge {
	bridge := &recordBridge{vm: vm}
	bridge.aux = vm.ToValue(bridge.lookupAux)
	bridge.proxy = vm.NewDynamicObject(bridge)
	return bridge
}

// bind makes aln the current record. Nothing of the previous record
// remains reachable through the proxy.
func (bridge *recordBridge) bind(aln *sam.Alignment, header sam.HeaderView) {
	bridge.aln = aln
	bridge.header = header
	bridge.cigar = nil
}

// release drops the current record. Reads are undefined until the
// next bind.
func (bridge *recordBridge) release() {
	bridge.aln = nil
	bridge.header = nil
	bridge.cigar = nil
}

// Get implements goja.DynamicObject.
func (bridge *recordBridge) Get(key string) goja.Value {
	aln := bridge.aln
	if aln == nil {
		return nil
	}
	switch key {
	case "mapq":
		return bridge.vm.ToValue(int64(aln.MAPQ))
	case "qname":
		return bridge.vm.ToValue(aln.QNAME)
	case "flag":
		return bridge.vm.ToValue(int64(aln.FLAG))
	case "pos", "start":
		return bridge.vm.ToValue(int64(aln.Start()))
	case "end":
		return bridge.vm.ToValue(int64(aln.End()))
	case "chrom":
		return bridge.vm.ToValue(aln.ReferenceName(bridge.header))
	case "cigar":
		if bridge.cigar == nil {
			bridge.cigar = bridge.cigarArray(aln.CIGAR)
		}
		return bridge.cigar
	case "aux":
		return bridge.aux
	}
	return nil
}

func (bridge *recordBridge) cigarArray(cigar []sam.CigarOperation) goja.Value {
	items := make([]interface{}, len(cigar))
	for i, c := range cigar {
		op := bridge.vm.NewObject()
		_ = op.Set("length", int64(c.Length))
		_ = op.Set("op", c.Op.String())
		_ = op.Set("consumes_ref", c.ConsumesReference())
		_ = op.Set("consumes_query", c.ConsumesQuery())
		items[i] = op
	}
	return bridge.vm.NewArray(items...)
}

// lookupAux implements aln.aux(tagCode). Anything but a two-character
// string, and tags the record does not carry, yield null.
func (bridge *recordBridge) lookupAux(call goja.FunctionCall) goja.Value {
	if bridge.aln == nil {
		return goja.Undefined()
	}
	code, ok := call.Argument(0).Export().(string)
	if !ok || len(code) != 2 {
		return goja.Null()
	}
	return bridge.typedValue(bridge.aln.LookupTag(code))
}

func (bridge *recordBridge) typedValue(v sam.TypedValue) goja.Value {
	switch v.Kind {
	case sam.IntValue:
		return bridge.vm.ToValue(v.Int)
	case sam.FloatValue:
		return bridge.vm.ToValue(v.Float)
	case sam.StringValue:
		return bridge.vm.ToValue(v.String)
	case sam.IntSequenceValue:
		items := make([]interface{}, len(v.Ints))
		for i, n := range v.Ints {
			items[i] = n
		}
		return bridge.vm.NewArray(items...)
	case sam.FloatSequenceValue:
		items := make([]interface{}, len(v.Floats))
		for i, f := range v.Floats {
			items[i] = f
		}
		return bridge.vm.NewArray(items...)
	}
	return goja.Null()
}

// Set implements goja.DynamicObject. The record is read-only.
func (*recordBridge) Set(string, goja.Value) bool {
	return false
}

// Has implements goja.DynamicObject.
func (*recordBridge) Has(key string) bool {
	for _, k := range bridgeKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Delete implements goja.DynamicObject.
func (*recordBridge) Delete(string) bool {
	return false
}

// Keys implements goja.DynamicObject.
func (*recordBridge) Keys() []string {
	return append([]string(nil), bridgeKeys...)
}

// hasFlag reports whether flag and mask share a bit.
func hasFlag(flag, mask int64) bool {
	return flag&mask != 0
}

func installHasFlag(vm *goja.Runtime) error {
	return defineGlobal(vm, "hasFlag", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(hasFlag(call.Argument(0).ToInteger(), call.Argument(1).ToInteger()))
	})
}
