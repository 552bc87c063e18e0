// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ruby // import "go.opentelemetry.io/rubyspy/interpreter/ruby"

// Ruby object header flag constants, derived from RUBY_FL_USHIFT the way the
// interpreter headers do.
//
//nolint:lll,revive,stylecheck
const (
	// https://github.com/ruby/ruby/blob/1d1529629ce1550fad19c2d9410c4bf4995230d2/include/ruby/internal/fl_type.h#L158
	RUBY_FL_USHIFT = 12

	RUBY_FL_USER0 = 1 << (RUBY_FL_USHIFT + 0)
	// https://github.com/ruby/ruby/blob/1d1529629ce1550fad19c2d9410c4bf4995230d2/include/ruby/internal/fl_type.h#L323-L324
	RUBY_FL_USER1 = 1 << (RUBY_FL_USHIFT + 1)
	RUBY_FL_USER2 = 1 << (RUBY_FL_USHIFT + 2)
	RUBY_FL_USER3 = 1 << (RUBY_FL_USHIFT + 3)
	RUBY_FL_USER4 = 1 << (RUBY_FL_USHIFT + 4)
	RUBY_FL_USER5 = 1 << (RUBY_FL_USHIFT + 5)
	RUBY_FL_USER6 = 1 << (RUBY_FL_USHIFT + 6)
	RUBY_FL_USER7 = 1 << (RUBY_FL_USHIFT + 7)
	RUBY_FL_USER8 = 1 << (RUBY_FL_USHIFT + 8)
	RUBY_FL_USER9 = 1 << (RUBY_FL_USHIFT + 9)

	// RUBY_T_MASK
	// https://github.com/ruby/ruby/blob/c149708018135595b2c19c5f74baf9475674f394/include/ruby/internal/value_type.h#L142
	RUBY_T_MASK = 0x1f
	// https://github.com/ruby/ruby/blob/c149708018135595b2c19c5f74baf9475674f394/include/ruby/internal/value_type.h#L117
	RUBY_T_STRING = 0x05
	// https://github.com/ruby/ruby/blob/c149708018135595b2c19c5f74baf9475674f394/include/ruby/internal/value_type.h#L119
	RUBY_T_ARRAY = 0x07

	// https://github.com/ruby/ruby/blob/5445e0435260b449decf2ac16f9d09bae3cafe72/include/ruby/ruby.h#L978
	RSTRING_NOEMBED = RUBY_FL_USER1

	// Before 3.2 the length of an embedded string lives in the flags word.
	// https://github.com/ruby/ruby/blob/v3_1_0/include/ruby/internal/core/rstring.h#L161-L177
	RSTRING_EMBED_LEN_MASK = RUBY_FL_USER2 | RUBY_FL_USER3 | RUBY_FL_USER4 |
		RUBY_FL_USER5 | RUBY_FL_USER6
	RSTRING_EMBED_LEN_SHIFT = RUBY_FL_USHIFT + 2

	// https://github.com/ruby/ruby/blob/8836f26efa7a6deb0ef8b3f253d8d53d04d43152/include/ruby/internal/core/rarray.h#L102
	RARRAY_EMBED_FLAG = RUBY_FL_USER1

	// https://github.com/ruby/ruby/blob/8836f26efa7a6deb0ef8b3f253d8d53d04d43152/include/ruby/internal/core/rarray.h#L114-L115
	RARRAY_EMBED_LEN_MASK = RUBY_FL_USER9 | RUBY_FL_USER8 | RUBY_FL_USER7 | RUBY_FL_USER6 |
		RUBY_FL_USER5 | RUBY_FL_USER4 | RUBY_FL_USER3
	// Embedded arrays hold at most three elements before variable width allocation.
	RARRAY_EMBED_LEN_MASK_FIXED = RUBY_FL_USER4 | RUBY_FL_USER3

	// https://github.com/ruby/ruby/blob/8836f26efa7a6deb0ef8b3f253d8d53d04d43152/include/ruby/internal/core/rarray.h#L122-L125
	RARRAY_EMBED_LEN_SHIFT = RUBY_FL_USHIFT + 3

	// rb_thread_status, a two bit field of rb_thread_struct since 2.6
	// https://github.com/ruby/ruby/blob/v3_1_0/vm_core.h#L785-L790
	THREAD_RUNNABLE    = 0
	THREAD_STATUS_MASK = 0x3
)
