package daemon

import (
	"testing"

	"github.com/dushixiang/sentinel/internal/config"
	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestStatusText(t *testing.T) {
	assert.Equal(t, "running", StatusText(service.StatusRunning))
	assert.Equal(t, "stopped", StatusText(service.StatusStopped))
	assert.Equal(t, "unknown", StatusText(service.StatusUnknown))
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	p := &program{cfg: config.DefaultConfig(), logger: zap.NewNop()}
	assert.NoError(t, p.Stop(nil))
}
