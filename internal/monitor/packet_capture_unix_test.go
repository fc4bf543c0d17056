//go:build !windows

package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dushixiang/sentinel/internal/event"
	"github.com/dushixiang/sentinel/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPacketCaptureReportsReadFailure(t *testing.T) {
	script := filepath.Join(t.TempDir(), "tshark")
	require.NoError(t, os.WriteFile(script, []byte(`#!/bin/sh
printf '1\t0.1\t10.0.0.3\t1.1.1.1\teth:ethertype:ip:udp:dns\tStandard query\n'
head -c 2000000 /dev/zero | tr '\0' a
sleep 30
`), 0755))

	rec := &recorder{}
	launcher := supervisor.NewProcessLauncher(supervisor.Options{GracePeriod: 200 * time.Millisecond, Logger: zap.NewNop()})
	deps := testDeps(launcher, rec)
	deps.Config.Tools.Tshark = script
	m := NewPacketCapture(deps)

	done, err := m.Start(context.Background())
	require.NoError(t, err)
	waitClosed(t, done)

	events := rec.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, "Tshark real-time monitoring started on eth0", events[0].Message)
	assert.Contains(t, events[1].Message, "dns")

	last := events[2]
	assert.Equal(t, event.LevelCritical, last.Level)
	assert.Equal(t, event.CategoryError, last.Category)
	assert.Contains(t, last.Message, "❌ Tshark output read failed: read stdout")
}
