package monitor

import (
	"context"
	"time"

	"github.com/dushixiang/sentinel/internal/event"
	"github.com/dushixiang/sentinel/internal/registry"
)

var threats = []string{
	"Brute force attempt detected on SSH",
	"Malicious payload detected in HTTP traffic",
	"Suspicious port scanning activity",
	"Possible ransomware signature detected",
	"Dark web IOC match found",
	"Unauthorized database access attempt",
	"Zero-day exploit attempt detected",
}

var threatLevels = []event.Level{event.LevelCritical, event.LevelHigh, event.LevelInfo}

// ThreatFeed 模拟威胁推送，附带统计信息
type ThreatFeed struct {
	Deps

	rand        Rand
	minInterval time.Duration
	maxInterval time.Duration
}

func NewThreatFeed(deps Deps) *ThreatFeed {
	lo, hi := deps.Config.GetThreatFeedInterval()
	return &ThreatFeed{
		Deps:        deps,
		rand:        globalRand{},
		minInterval: lo,
		maxInterval: hi,
	}
}

func (m *ThreatFeed) Kind() registry.Kind {
	return registry.KindThreatFeed
}

func (m *ThreatFeed) Start(ctx context.Context) (<-chan struct{}, error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if ctx.Err() != nil {
				return
			}
			m.Publisher.Publish(m.next())
			if !sleep(ctx, between(m.rand, m.minInterval, m.maxInterval)) {
				return
			}
		}
	}()
	return done, nil
}

func (m *ThreatFeed) next() event.Event {
	threat := threats[m.rand.IntN(len(threats))]
	level := threatLevels[m.rand.IntN(len(threatLevels))]
	stats := event.Stats{
		Threats: 100 + m.rand.IntN(401),
		Rate:    1 + m.rand.IntN(20),
		Safety:  85 + m.rand.IntN(16),
	}
	return event.New(event.ChannelRealtimeThreat, level, event.CategoryThreat, threat).WithStats(stats)
}
