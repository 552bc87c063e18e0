// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfevent

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/elastic/go-perf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/rubyspy/metrics"
)

type fakeEvent struct {
	calls      []string
	count      uint64
	enableErr  error
	disableErr error
	closed     int
}

func (e *fakeEvent) FD() (int, error) { return 42, nil }

func (e *fakeEvent) Reset() error {
	e.calls = append(e.calls, "reset")
	return nil
}

func (e *fakeEvent) Enable() error {
	e.calls = append(e.calls, "enable")
	return e.enableErr
}

func (e *fakeEvent) Disable() error {
	e.calls = append(e.calls, "disable")
	return e.disableErr
}

func (e *fakeEvent) ReadCount() (perf.Count, error) {
	e.calls = append(e.calls, "read")
	return perf.Count{Value: e.count}, nil
}

func (e *fakeEvent) Close() error {
	e.calls = append(e.calls, "close")
	e.closed++
	return nil
}

// fakeMapper hands out the test ring instead of a kernel mapping.
type fakeMapper struct {
	ring     *testRing
	mapErr   error
	lengths  []int
	unmapped int
}

func (m *fakeMapper) Map(fd, length int) ([]byte, error) {
	m.lengths = append(m.lengths, length)
	if m.mapErr != nil {
		return nil, m.mapErr
	}
	return m.ring.mem, nil
}

func (m *fakeMapper) Unmap([]byte) error {
	m.unmapped++
	return nil
}

func testConfig() Config {
	return Config{
		Counter:       "cpu-clock",
		SampleFreq:    99,
		Fields:        FieldIP | FieldTID,
		ExcludeKernel: true,
		Scope:         ScopeCallingThread(),
		Pages:         1,
	}
}

type fakeSampler struct {
	*Sampler
	ev     *fakeEvent
	mapper *fakeMapper
	ring   *testRing
}

func newFakeSampler(t *testing.T, openErr error) *fakeSampler {
	t.Helper()
	s, err := NewSampler(testConfig())
	require.NoError(t, err)

	fs := &fakeSampler{
		Sampler: s,
		ev:      &fakeEvent{count: 1234},
		ring:    newTestRing(1),
	}
	fs.mapper = &fakeMapper{ring: fs.ring}
	s.pageSize = testPageSize
	s.mapper = fs.mapper
	s.open = func(attr *perf.Attr, pid, cpu int) (event, error) {
		if openErr != nil {
			return nil, openErr
		}
		assert.True(t, attr.Options.Disabled)
		assert.True(t, attr.Options.ExcludeKernel)
		assert.True(t, attr.SampleFormat.IP)
		assert.True(t, attr.SampleFormat.Tid)
		assert.False(t, attr.SampleFormat.Time)
		assert.Equal(t, perf.CallingThread, pid)
		assert.Equal(t, perf.AnyCPU, cpu)
		return fs.ev, nil
	}
	return fs
}

func TestSamplerLifecycle(t *testing.T) {
	fs := newFakeSampler(t, nil)
	assert.Equal(t, StateClosed, fs.State())

	require.NoError(t, fs.Open())
	assert.Equal(t, StateOpened, fs.State())
	require.NoError(t, fs.Map())
	assert.Equal(t, StateMapped, fs.State())
	assert.Equal(t, []int{2 * testPageSize}, fs.mapper.lengths)
	require.NoError(t, fs.Arm())
	assert.Equal(t, StateArmed, fs.State())

	fs.ring.write(record(RecordSample, 0x1000, pidTID(1, 1)))
	fs.ring.write(record(RecordLost, 0, 7))
	fs.ring.publish()

	var recs []Record
	consume := func(rec Record) error {
		recs = append(recs, rec)
		return nil
	}
	n, err := fs.Drain(consume)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Records published before disable are still drained afterwards.
	fs.ring.write(record(RecordSample, 0x2000, pidTID(1, 1)))
	fs.ring.publish()
	count, err := fs.Disable()
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), count)
	assert.Equal(t, StateDisabled, fs.State())
	n, err = fs.Drain(consume)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, recs, 3)

	require.NoError(t, fs.Close())
	assert.Equal(t, StateClosed, fs.State())
	assert.Equal(t, []string{"reset", "enable", "disable", "read", "close"}, fs.ev.calls)
	assert.Equal(t, 1, fs.mapper.unmapped)

	assert.Equal(t, []metrics.Metric{
		{ID: metrics.IDPerfSamples, Value: 2},
		{ID: metrics.IDPerfLostRecords, Value: 1},
		{ID: metrics.IDPerfLostSamples, Value: 7},
		{ID: metrics.IDPerfOtherRecords, Value: 0},
	}, fs.GetAndResetMetrics())
}

func TestSamplerInvalidState(t *testing.T) {
	tests := map[string]struct {
		prepare func(fs *fakeSampler)
		op      func(fs *fakeSampler) error
	}{
		"map before open": {
			op: func(fs *fakeSampler) error { return fs.Map() },
		},
		"arm before map": {
			prepare: func(fs *fakeSampler) { _ = fs.Open() },
			op:      func(fs *fakeSampler) error { return fs.Arm() },
		},
		"drain before arm": {
			prepare: func(fs *fakeSampler) { _ = fs.Open(); _ = fs.Map() },
			op: func(fs *fakeSampler) error {
				_, err := fs.Drain(func(Record) error { return nil })
				return err
			},
		},
		"disable before arm": {
			prepare: func(fs *fakeSampler) { _ = fs.Open(); _ = fs.Map() },
			op: func(fs *fakeSampler) error {
				_, err := fs.Disable()
				return err
			},
		},
		"open twice": {
			prepare: func(fs *fakeSampler) { _ = fs.Open() },
			op:      func(fs *fakeSampler) error { return fs.Open() },
		},
		"drain after close": {
			prepare: func(fs *fakeSampler) {
				_ = fs.Open()
				_ = fs.Map()
				_ = fs.Arm()
				_ = fs.Close()
			},
			op: func(fs *fakeSampler) error {
				_, err := fs.Drain(func(Record) error { return nil })
				return err
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			fs := newFakeSampler(t, nil)
			if tc.prepare != nil {
				tc.prepare(fs)
			}
			before := fs.State()
			require.ErrorIs(t, tc.op(fs), ErrInvalidState)
			assert.Equal(t, before, fs.State())
		})
	}
}

func TestSamplerMapFailureClosesEvent(t *testing.T) {
	t.Run("mmap error", func(t *testing.T) {
		fs := newFakeSampler(t, nil)
		fs.mapper.mapErr = unix.ENOMEM
		require.NoError(t, fs.Open())
		require.ErrorIs(t, fs.Map(), unix.ENOMEM)
		assert.Equal(t, StateClosed, fs.State())
		assert.Equal(t, 1, fs.ev.closed)
		assert.Zero(t, fs.mapper.unmapped)
	})

	t.Run("malformed mapping", func(t *testing.T) {
		fs := newFakeSampler(t, nil)
		// Three data pages are not a power of two.
		fs.ring = newTestRing(3)
		fs.mapper.ring = fs.ring
		require.NoError(t, fs.Open())
		require.ErrorIs(t, fs.Map(), ErrProtocol)
		assert.Equal(t, StateClosed, fs.State())
		assert.Equal(t, 1, fs.ev.closed)
		assert.Equal(t, 1, fs.mapper.unmapped)
	})
}

func TestSamplerOpenErrors(t *testing.T) {
	tests := map[string]struct {
		err        error
		permission bool
	}{
		"EACCES": {
			err:        &os.SyscallError{Syscall: "perf_event_open", Err: unix.EACCES},
			permission: true,
		},
		"EPERM":  {err: unix.EPERM, permission: true},
		"ENOENT": {err: unix.ENOENT},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			fs := newFakeSampler(t, tc.err)
			err := fs.Open()
			require.ErrorIs(t, err, tc.err)
			assert.Equal(t, tc.permission, errors.Is(err, ErrPermissionDenied))
			assert.Equal(t, StateClosed, fs.State())
		})
	}
}

func TestSamplerCloseIsIdempotent(t *testing.T) {
	fs := newFakeSampler(t, nil)
	require.NoError(t, fs.Close())
	require.NoError(t, fs.Open())
	require.NoError(t, fs.Map())
	require.NoError(t, fs.Close())
	require.NoError(t, fs.Close())
	assert.Equal(t, 1, fs.ev.closed)
	assert.Equal(t, 1, fs.mapper.unmapped)
}

func TestSamplerRun(t *testing.T) {
	fs := newFakeSampler(t, nil)
	fs.ring.write(record(RecordSample, 0x1000, pidTID(1, 2)))
	fs.ring.write(record(RecordSample, 0x1004, pidTID(1, 2)))
	fs.ring.publish()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var ips []uint64
	count, err := fs.Run(ctx, time.Hour, func(rec Record) error {
		ips = append(ips, rec.(*SampleRecord).IP)
		cancel()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), count)
	assert.Equal(t, []uint64{0x1000, 0x1004}, ips)
	assert.Equal(t, StateClosed, fs.State())
	assert.Equal(t, 1, fs.ev.closed)
}

func TestSamplerRunErrors(t *testing.T) {
	t.Run("protocol error", func(t *testing.T) {
		fs := newFakeSampler(t, nil)
		fs.ring.write(rawRecord(RecordSample, 0))
		fs.ring.publish()
		_, err := fs.Run(context.Background(), time.Hour, func(Record) error { return nil })
		require.ErrorIs(t, err, ErrProtocol)
		assert.Equal(t, StateClosed, fs.State())
		assert.Equal(t, 1, fs.ev.closed)
	})

	t.Run("enable error", func(t *testing.T) {
		fs := newFakeSampler(t, nil)
		fs.ev.enableErr = unix.EINVAL
		_, err := fs.Run(context.Background(), time.Hour, func(Record) error { return nil })
		require.ErrorIs(t, err, unix.EINVAL)
		assert.Equal(t, 1, fs.ev.closed)
	})

	t.Run("consumer error", func(t *testing.T) {
		fs := newFakeSampler(t, nil)
		fs.ring.write(record(RecordSample, 0x1000, pidTID(1, 2)))
		fs.ring.publish()
		stop := errors.New("stop")
		_, err := fs.Run(context.Background(), time.Hour, func(Record) error { return stop })
		require.ErrorIs(t, err, stop)
		assert.Equal(t, 1, fs.ev.closed)
	})
}

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		mutate func(c *Config)
		valid  bool
	}{
		"default":         {mutate: func(*Config) {}, valid: true},
		"period":          {mutate: func(c *Config) { c.SampleFreq, c.SamplePeriod = 0, 10000 }, valid: true},
		"process scope":   {mutate: func(c *Config) { c.Scope = ScopeProcess(1) }, valid: true},
		"cpu scope":       {mutate: func(c *Config) { c.Scope = ScopeCPU(0) }, valid: true},
		"unknown counter": {mutate: func(c *Config) { c.Counter = "bogus" }},
		"period and freq": {mutate: func(c *Config) { c.SamplePeriod = 10 }},
		"no rate":         {mutate: func(c *Config) { c.SampleFreq = 0 }},
		"no fields":       {mutate: func(c *Config) { c.Fields = 0 }},
		"zero pages":      {mutate: func(c *Config) { c.Pages = 0 }},
		"three pages":     {mutate: func(c *Config) { c.Pages = 3 }},
		"unbounded scope": {mutate: func(c *Config) { c.Scope = Scope{PID: perf.AllThreads, CPU: perf.AnyCPU} }},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.valid {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidConfig)
			_, err = NewSampler(cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestParseFields(t *testing.T) {
	fields, err := ParseFields("ip, tid,period")
	require.NoError(t, err)
	assert.Equal(t, FieldIP|FieldTID|FieldPeriod, fields)
	assert.Equal(t, "ip,tid,period", fields.String())
	assert.Equal(t, 24, fields.sampleSize())

	fields, err = ParseFields("")
	require.NoError(t, err)
	assert.Zero(t, fields)

	_, err = ParseFields("ip,callchain")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCounters(t *testing.T) {
	names := Counters()
	assert.Contains(t, names, "cpu-clock")
	assert.Contains(t, names, "instructions")
	assert.IsNonDecreasing(t, names)
}
