// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package info_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/finchWro/groundlink/info"
)

func TestHasPrefix(t *testing.T) {
	l := "+CEREG: 5"
	assert.True(t, info.HasPrefix(l, "+CEREG"))
	assert.False(t, info.HasPrefix(l, "+CEREG:"))
	assert.False(t, info.HasPrefix(l, "%CESQ"))
}

func TestTrimPrefix(t *testing.T) {
	// no prefix
	i := info.TrimPrefix("info line", "+CEREG")
	assert.Equal(t, "info line", i)

	// prefix
	i = info.TrimPrefix("+CEREG:5", "+CEREG")
	assert.Equal(t, "5", i)

	// prefix and space
	i = info.TrimPrefix("+CEREG: 5", "+CEREG")
	assert.Equal(t, "5", i)
}
