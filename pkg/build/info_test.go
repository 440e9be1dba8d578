// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package build

import (
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetInfo(t *testing.T) {
	defer TestingOverrideTag("v1.2.3")()

	info := GetInfo()
	require.Equal(t, "v1.2.3", info.Tag)
	require.Equal(t, runtime.Version(), info.GoVersion)
	require.True(t, strings.HasPrefix(info.Short(), "kv-importer v1.2.3 ("))

	info.Time = "2026/10/01 12:30:00"
	require.Equal(t, time.Date(2026, 10, 1, 12, 30, 0, 0, time.UTC), info.GoTime())
	info.Time = ""
	require.True(t, info.GoTime().IsZero())
}
