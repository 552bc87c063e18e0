// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ruby // import "go.opentelemetry.io/rubyspy/interpreter/ruby"

import (
	"errors"
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/rubyspy/libpf"
	"go.opentelemetry.io/rubyspy/metrics"
	"go.opentelemetry.io/rubyspy/remotememory"
	"go.opentelemetry.io/rubyspy/successfailurecounter"
	"go.opentelemetry.io/rubyspy/util"
	"go.opentelemetry.io/rubyspy/vmlayout"
)

// maxStackSlots bounds vm_stack_size. Ruby's default VM stack is 1 MiB of VALUEs,
// anything far above that is a torn read.
const maxStackSlots = 1 << 24

var (
	// ErrInvalidMaxFrames is returned for a frame limit that is not positive.
	ErrInvalidMaxFrames = errors.New("max frames must be positive")
	// ErrNoThread is returned when the thread address currently resolves to no
	// execution context.
	ErrNoThread = errors.New("no running ruby thread")
	// ErrCorruptThread is returned when the execution context does not describe
	// a frame array.
	ErrCorruptThread = errors.New("execution context does not describe a frame array")
	// ErrThreadNotRunnable is returned by walkers filtering on-CPU threads when
	// the thread neither runs nor waits for the GVL.
	ErrThreadNotRunnable = errors.New("ruby thread is not runnable")
)

// Order is the order in which a walk emits frames.
type Order uint8

const (
	// InnermostFirst emits the executing frame first.
	InnermostFirst Order = iota
	// OutermostFirst emits the root frame first. The frames walked are the same
	// innermost ones, only the emission order is reversed.
	OutermostFirst
)

func (o Order) String() string {
	if o == OutermostFirst {
		return "outermost-first"
	}
	return "innermost-first"
}

// ThreadMode tells how the thread address passed to a walk is resolved.
type ThreadMode uint8

const (
	// ThreadDirect means the address is the execution context itself.
	ThreadDirect ThreadMode = iota
	// ThreadPointer means the address holds a pointer to the execution context,
	// like ruby_current_execution_context_ptr.
	ThreadPointer
	// MainRactor means the address holds a pointer to the main ractor whose
	// running_ec is walked (Ruby 3.0 and later).
	MainRactor
)

// ParseThreadMode maps a configuration name to a ThreadMode.
func ParseThreadMode(s string) (ThreadMode, error) {
	switch s {
	case "direct":
		return ThreadDirect, nil
	case "pointer":
		return ThreadPointer, nil
	case "ractor":
		return MainRactor, nil
	}
	return 0, fmt.Errorf("unknown thread mode %q", s)
}

// Frame is one symbolized Ruby frame.
type Frame struct {
	File  string
	Label string
	// RealPath is the resolved path of File. It is empty when it equals File
	// or Ruby did not record one.
	RealPath string
}

func (f Frame) String() string {
	return f.File + ":" + f.Label
}

// WalkStats summarizes one walk.
type WalkStats struct {
	// Available is the number of frame slots between cfp and the sentinel frames.
	Available int
	// Walked is the number of slots examined.
	Walked int
	Emitted int
	// Dropped counts frames whose strings could not be read.
	Dropped int
	// Skipped counts frames without a pc, like C function frames.
	Skipped int
	// Truncated is set when the frame limit cut the walk short.
	Truncated bool
}

// Options configure a Walker.
type Options struct {
	Order      Order
	ThreadMode ThreadMode
	// StringCacheSize is the number of materialized strings kept by RString
	// address. Zero disables caching.
	StringCacheSize uint32
	// OnCPU restricts walks to threads that are runnable. Walks of other
	// threads fail with ErrThreadNotRunnable.
	OnCPU bool
}

// Walker reconstructs Ruby call stacks from a target's memory.
type Walker struct {
	rm      remotememory.RemoteMemory
	layout  *Layout
	opts    Options
	strings *StringCache

	successCount atomic.Uint64
	failCount    atomic.Uint64
	truncated    atomic.Uint64
	maxDepth     atomic.Uint32
}

// NewWalker returns a Walker reading rm with layout.
func NewWalker(rm remotememory.RemoteMemory, layout *Layout, opts Options) (*Walker, error) {
	if !rm.Valid() {
		return nil, errors.New("no remote memory reader")
	}
	if opts.ThreadMode == MainRactor && !layout.Ractor.Has("running_ec") {
		return nil, fmt.Errorf("ractor thread mode on ruby %v: %w",
			layout.Version, ErrNoThread)
	}
	if opts.OnCPU && !layout.Thread.Has("status") {
		return nil, fmt.Errorf("on-CPU filter on ruby %v: %w",
			layout.Version, vmlayout.ErrUnsupportedVersion)
	}
	w := &Walker{rm: rm, layout: layout, opts: opts}
	if opts.StringCacheSize > 0 {
		cache, err := NewStringCache(opts.StringCacheSize)
		if err != nil {
			return nil, err
		}
		w.strings = cache
	}
	return w, nil
}

// Layout returns the table the walker decodes with.
func (w *Walker) Layout() *Layout {
	return w.layout
}

type frameStatus uint8

const (
	frameOK frameStatus = iota
	frameSkip
	frameDrop
	frameStop
)

// Walk reads the call stack of the thread at thread and calls yield for each
// frame, starting with the executing one unless the walker was configured
// OutermostFirst. At most maxFrames frame slots are examined. Returning false
// from yield ends the walk without error.
//
// Frames whose strings cannot be read are left out. An unreadable frame slot or
// instruction sequence ends the walk. Errors reading the execution context and
// errors meaning the target is gone or inaccessible are returned.
func (w *Walker) Walk(thread libpf.Address, maxFrames int,
	yield func(Frame) bool) (WalkStats, error) {
	var stats WalkStats
	if maxFrames <= 0 {
		return stats, fmt.Errorf("%w: %d", ErrInvalidMaxFrames, maxFrames)
	}
	cfp, n, err := w.frameRange(thread)
	if err != nil || n == 0 {
		return stats, err
	}
	stats.Available = int(n)

	limit := min(n, uint(maxFrames))
	var buffered []Frame
	if w.opts.Order == OutermostFirst {
		buffered = make([]Frame, 0, limit)
	}

	stride := w.layout.FrameStride()
	stopped := false
	for i := uint(0); i < limit && !stopped; i++ {
		stats.Walked++
		frame, status, err := w.readFrame(cfp.Add(i * stride))
		if err != nil {
			return stats, err
		}
		switch status {
		case frameSkip:
			stats.Skipped++
		case frameDrop:
			stats.Dropped++
		case frameStop:
			stopped = true
		case frameOK:
			if buffered != nil {
				buffered = append(buffered, frame)
				continue
			}
			stats.Emitted++
			if !yield(frame) {
				return stats, nil
			}
		}
	}
	if !stopped && limit < n {
		stats.Truncated = true
		w.truncated.Add(1)
	}

	for i := len(buffered) - 1; i >= 0; i-- {
		stats.Emitted++
		if !yield(buffered[i]) {
			break
		}
	}
	util.AtomicUpdateMaxUint32(&w.maxDepth, uint32(stats.Emitted))
	return stats, nil
}

// Stack collects the frames of one walk.
func (w *Walker) Stack(thread libpf.Address, maxFrames int) ([]Frame, WalkStats, error) {
	var frames []Frame
	stats, err := w.Walk(thread, maxFrames, func(f Frame) bool {
		frames = append(frames, f)
		return true
	})
	return frames, stats, err
}

// frameRange resolves the thread and returns the innermost frame address and
// the number of frames above the sentinel frames.
func (w *Walker) frameRange(thread libpf.Address) (libpf.Address, uint, error) {
	l := w.layout
	ec, err := w.resolveThread(thread)
	if err != nil {
		return 0, 0, err
	}
	data, err := w.rm.Copy(ec, l.ExecutionContext.Size)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read execution context 0x%x: %w", ec, err)
	}
	if w.opts.OnCPU {
		if err = w.checkRunnable(data); err != nil {
			return 0, 0, err
		}
	}
	vmStack, err := l.ExecutionContext.Ptr(data, "vm_stack")
	if err != nil {
		return 0, 0, err
	}
	if vmStack == 0 {
		return 0, 0, nil
	}
	slots, err := l.ExecutionContext.Uint(data, "vm_stack_size")
	if err != nil {
		return 0, 0, err
	}
	cfp, err := l.ExecutionContext.Ptr(data, "cfp")
	if err != nil {
		return 0, 0, err
	}

	stride := l.FrameStride()
	if slots > maxStackSlots || uint(slots)*ValueSize < SentinelFrames*stride {
		return 0, 0, fmt.Errorf("0x%x: vm_stack_size %d: %w", ec, slots, ErrCorruptThread)
	}
	top := vmStack.Add(uint(slots) * ValueSize)
	base := top - libpf.Address(SentinelFrames*stride)
	if cfp < vmStack || cfp > base || uint(base-cfp)%stride != 0 {
		return 0, 0, fmt.Errorf("0x%x: cfp 0x%x outside [0x%x, 0x%x): %w",
			ec, cfp, vmStack, base, ErrCorruptThread)
	}
	return cfp, uint(base-cfp) / stride, nil
}

// checkRunnable reads the status of the thread owning the execution context in
// data.
func (w *Walker) checkRunnable(data []byte) error {
	l := w.layout
	th, err := l.ExecutionContext.Ptr(data, "thread_ptr")
	if err != nil {
		return err
	}
	if th == 0 {
		return ErrNoThread
	}
	f, err := l.Thread.Field("status")
	if err != nil {
		return err
	}
	status, err := w.rm.Uint32(th.Add(f.Offset))
	if err != nil {
		return fmt.Errorf("failed to read status of thread 0x%x: %w", th, err)
	}
	if status&THREAD_STATUS_MASK != THREAD_RUNNABLE {
		return fmt.Errorf("thread 0x%x status %d: %w", th, status&THREAD_STATUS_MASK,
			ErrThreadNotRunnable)
	}
	return nil
}

func (w *Walker) resolveThread(thread libpf.Address) (libpf.Address, error) {
	switch w.opts.ThreadMode {
	case ThreadDirect:
		if thread == 0 {
			return 0, ErrNoThread
		}
		return thread, nil
	case ThreadPointer:
		ec, err := w.rm.Ptr(thread)
		if err != nil {
			return 0, fmt.Errorf("failed to read thread pointer 0x%x: %w", thread, err)
		}
		if ec == 0 {
			return 0, ErrNoThread
		}
		return ec, nil
	case MainRactor:
		ractor, err := w.rm.Ptr(thread)
		if err != nil {
			return 0, fmt.Errorf("failed to read main ractor pointer 0x%x: %w", thread, err)
		}
		if ractor == 0 {
			return 0, ErrNoThread
		}
		f, err := w.layout.Ractor.Field("running_ec")
		if err != nil {
			return 0, err
		}
		ec, err := w.rm.Ptr(ractor.Add(f.Offset))
		if err != nil {
			return 0, fmt.Errorf("failed to read running_ec of ractor 0x%x: %w", ractor, err)
		}
		if ec == 0 {
			return 0, ErrNoThread
		}
		return ec, nil
	}
	return 0, fmt.Errorf("unknown thread mode %d", w.opts.ThreadMode)
}

// readFrame symbolizes the control frame at slot. The returned error is only
// set when the walk must be aborted.
func (w *Walker) readFrame(slot libpf.Address) (Frame, frameStatus, error) {
	l := w.layout
	sfCounter := successfailurecounter.New(&w.successCount, &w.failCount)
	defer sfCounter.DefaultToFailure()

	cf, err := w.rm.Copy(slot, l.ControlFrame.Size)
	if err != nil {
		return w.stop(slot, "control frame", err)
	}
	iseq, err := l.ControlFrame.Ptr(cf, "iseq")
	if err != nil {
		return Frame{}, frameStop, err
	}
	if iseq == 0 {
		sfCounter.ReportSuccess()
		return Frame{}, frameStop, nil
	}
	pc, err := l.ControlFrame.Ptr(cf, "pc")
	if err != nil {
		return Frame{}, frameStop, err
	}
	if pc == 0 {
		sfCounter.ReportSuccess()
		return Frame{}, frameSkip, nil
	}

	iseqData, err := w.rm.Copy(iseq, l.Iseq.Size)
	if err != nil {
		return w.stop(slot, "instruction sequence", err)
	}
	body, err := l.Iseq.Ptr(iseqData, "body")
	if err != nil {
		return Frame{}, frameStop, err
	}
	if body == 0 {
		return w.drop(slot, "iseq body", ErrNilString)
	}
	bodyData, err := w.rm.Copy(body, l.IseqBody.Size)
	if err != nil {
		return w.drop(slot, "iseq body", err)
	}
	loc, err := l.IseqBody.Bytes(bodyData, "location")
	if err != nil {
		return Frame{}, frameStop, err
	}
	pathObj, err := l.Location.Ptr(loc, "pathobj")
	if err != nil {
		return Frame{}, frameStop, err
	}
	baseLabel, err := l.Location.Ptr(loc, "base_label")
	if err != nil {
		return Frame{}, frameStop, err
	}

	file, err := w.cachedString(pathObj, ReadPathDescriptor)
	if err != nil {
		return w.drop(slot, "path", err)
	}
	label, err := w.cachedString(baseLabel, ReadStringDescriptor)
	if err != nil {
		return w.drop(slot, "label", err)
	}
	realPath, err := w.realPath(pathObj)
	if err != nil {
		if remotememory.IsFatal(err) {
			return Frame{}, frameStop, err
		}
		log.Debugf("No realpath for frame 0x%x: %v", slot, err)
	}
	if realPath == file {
		realPath = ""
	}
	sfCounter.ReportSuccess()
	return Frame{File: file, Label: label, RealPath: realPath}, frameOK, nil
}

// realPathKey tags the cache entry holding the realpath of a path object.
// Objects are VALUE aligned so the key never names another object.
func realPathKey(pathObj libpf.Address) libpf.Address {
	return pathObj | 1
}

// realPath returns the realpath of pathObj, or an empty string when there is
// none besides the path.
func (w *Walker) realPath(pathObj libpf.Address) (string, error) {
	key := realPathKey(pathObj)
	if w.strings != nil {
		if s, ok := w.strings.Get(key); ok {
			return s, nil
		}
	}
	obj, err := RealPathObject(w.rm, w.layout, pathObj)
	if err != nil {
		return "", err
	}
	var s string
	if obj != 0 {
		if s, err = ReadString(w.rm, w.layout, obj); err != nil {
			return "", err
		}
	}
	if w.strings != nil {
		w.strings.Add(key, s)
	}
	return s, nil
}

type descriptorReader func(remotememory.RemoteMemory, *Layout,
	libpf.Address) (StringDescriptor, error)

func (w *Walker) cachedString(addr libpf.Address, read descriptorReader) (string, error) {
	if w.strings != nil {
		if s, ok := w.strings.Get(addr); ok {
			return s, nil
		}
	}
	d, err := read(w.rm, w.layout, addr)
	if err != nil {
		return "", err
	}
	b, err := Materialize(&d, w.rm)
	if err != nil {
		return "", err
	}
	s := string(b)
	if w.strings != nil {
		w.strings.Add(addr, s)
	}
	return s, nil
}

func (w *Walker) stop(slot libpf.Address, what string, err error) (Frame, frameStatus, error) {
	if remotememory.IsFatal(err) {
		return Frame{}, frameStop, err
	}
	log.Debugf("Ending walk at frame 0x%x, unreadable %s: %v", slot, what, err)
	return Frame{}, frameStop, nil
}

func (w *Walker) drop(slot libpf.Address, what string, err error) (Frame, frameStatus, error) {
	if remotememory.IsFatal(err) {
		return Frame{}, frameDrop, err
	}
	log.Debugf("Dropping frame 0x%x, unreadable %s: %v", slot, what, err)
	return Frame{}, frameDrop, nil
}

// GetAndResetMetrics returns the walker counters accumulated since the last call.
func (w *Walker) GetAndResetMetrics() []metrics.Metric {
	out := []metrics.Metric{
		{
			ID:    metrics.IDRubyFrameReadSuccess,
			Value: metrics.MetricValue(w.successCount.Swap(0)),
		},
		{
			ID:    metrics.IDRubyFrameReadFailure,
			Value: metrics.MetricValue(w.failCount.Swap(0)),
		},
		{
			ID:    metrics.IDRubyWalkTruncated,
			Value: metrics.MetricValue(w.truncated.Swap(0)),
		},
		{
			ID:    metrics.IDRubyMaxStackDepth,
			Value: metrics.MetricValue(w.maxDepth.Swap(0)),
		},
	}
	if w.strings != nil {
		out = append(out, w.strings.GetAndResetMetrics()...)
	}
	return out
}
