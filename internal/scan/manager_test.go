package scan

import (
	"bufio"
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dushixiang/sentinel/internal/classifier"
	"github.com/dushixiang/sentinel/internal/config"
	"github.com/dushixiang/sentinel/internal/event"
	"github.com/dushixiang/sentinel/internal/metrics"
	"github.com/dushixiang/sentinel/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Publish(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func messages(events []event.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Message)
	}
	return out
}

type fakeProber struct {
	open map[int]bool
	ips  sync.Map
}

func (p *fakeProber) Probe(ctx context.Context, ip string, port int, timeout time.Duration) bool {
	p.ips.Store(ip, true)
	return p.open[port]
}

type fakeResolver map[string][]string

func (r fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

type fakeHandle struct {
	lines     chan supervisor.Line
	once      sync.Once
	cancelled atomic.Bool
	exitCode  int
	err       error
}

func (h *fakeHandle) Lines() <-chan supervisor.Line { return h.lines }

func (h *fakeHandle) Stop() {
	h.cancelled.Store(true)
	h.once.Do(func() { close(h.lines) })
}

func (h *fakeHandle) Wait() supervisor.Status {
	if h.cancelled.Load() {
		return supervisor.Status{State: supervisor.StateKilled, ExitCode: -1}
	}
	return supervisor.Status{State: supervisor.StateExited, ExitCode: h.exitCode}
}

func (h *fakeHandle) Cancelled() bool { return h.cancelled.Load() }

func (h *fakeHandle) Err() error { return h.err }

func (h *fakeHandle) Pid() int { return 1 }

func (h *fakeHandle) Stats(ctx context.Context) (supervisor.ProcStats, error) {
	return supervisor.ProcStats{}, nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	commands []supervisor.Command
	lines    []supervisor.Line
	keepOpen bool
	exitCode int
	err      error
	readErr  error
}

func (l *fakeLauncher) Launch(ctx context.Context, command supervisor.Command) (supervisor.Handle, error) {
	l.mu.Lock()
	l.commands = append(l.commands, command)
	l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	h := &fakeHandle{lines: make(chan supervisor.Line, len(l.lines)+1), exitCode: l.exitCode, err: l.readErr}
	for _, line := range l.lines {
		h.lines <- line
	}
	if !l.keepOpen {
		h.once.Do(func() { close(h.lines) })
	}
	go func() {
		<-ctx.Done()
		h.Stop()
	}()
	return h, nil
}

func (l *fakeLauncher) launched() []supervisor.Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]supervisor.Command(nil), l.commands...)
}

func stdout(texts ...string) []supervisor.Line {
	lines := make([]supervisor.Line, 0, len(texts))
	for _, text := range texts {
		lines = append(lines, supervisor.Line{Stream: supervisor.Stdout, Text: text})
	}
	return lines
}

func newTestManager(t *testing.T, launcher supervisor.Launcher) (*Manager, *recorder, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	rec := &recorder{}
	m, err := NewManager(zap.NewNop(), cfg, rec, classifier.MustDefault(), launcher, metrics.New())
	require.NoError(t, err)
	m.Prober = &fakeProber{open: map[int]bool{22: true, 80: true}}
	m.Resolver = fakeResolver{}
	t.Cleanup(m.Close)
	return m, rec, cfg
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Active() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestPortscanEndToEnd(t *testing.T) {
	launcher := &fakeLauncher{}
	m, rec, _ := newTestManager(t, launcher)

	id, err := m.Start("s1", Request{Operation: OpPortscan, Target: "198.51.100.7", Speed: "fast"})
	require.NoError(t, err)
	waitIdle(t, m)
	time.Sleep(20 * time.Millisecond)

	events := rec.snapshot()
	require.Len(t, events, 4, messages(events))
	assert.Equal(t, "Starting fast port scan of 198.51.100.7...", events[0].Message)
	assert.Equal(t, event.LevelSuccess, events[1].Level)
	assert.Equal(t, "✅ Port 22 OPEN (SSH)", events[1].Message)
	assert.Equal(t, event.LevelSuccess, events[2].Level)
	assert.Equal(t, "✅ Port 80 OPEN (HTTP)", events[2].Message)
	assert.Contains(t, events[3].Message, "2 open ports")
	assert.Equal(t, "✅ Scan completed: 2 open ports (22, 80) out of 10 scanned", events[3].Message)
	for _, ev := range events {
		assert.Equal(t, "s1", ev.Session)
		assert.Equal(t, event.ChannelPortscanResult, ev.Channel)
	}
	assert.Empty(t, launcher.launched())

	info, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, info.State)
	assert.NotNil(t, info.FinishedAt)
}

func TestStartRejectsInvalidTarget(t *testing.T) {
	launcher := &fakeLauncher{}
	m, rec, _ := newTestManager(t, launcher)

	tests := []struct {
		name string
		req  Request
	}{
		{"empty", Request{Operation: OpPing, Target: ""}},
		{"blank", Request{Operation: OpTraceroute, Target: "   "}},
		{"garbage", Request{Operation: OpPortscan, Target: "bad host!"}},
		{"unknown speed", Request{Operation: OpPortscan, Target: "10.0.0.1", Speed: "ludicrous"}},
		{"unknown operation", Request{Operation: "nuke", Target: "10.0.0.1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(rec.snapshot())
			id, err := m.Start("s1", tt.req)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Empty(t, id)

			events := rec.snapshot()[before:]
			require.Len(t, events, 1)
			assert.Equal(t, event.LevelError, events[0].Level)
			assert.Equal(t, "s1", events[0].Session)
		})
	}
	assert.Empty(t, launcher.launched())
	assert.Equal(t, 0, m.Active())
}

func TestCancelAllWithoutTasksIsNoop(t *testing.T) {
	m, rec, _ := newTestManager(t, &fakeLauncher{})
	assert.Equal(t, 0, m.CancelAll("nobody"))
	assert.Equal(t, 0, m.CancelAll("nobody"))
	assert.Empty(t, rec.snapshot())
	assert.ErrorIs(t, m.Cancel("missing"), ErrTaskNotFound)
}

func TestCancelKeepsBufferedOutput(t *testing.T) {
	launcher := &fakeLauncher{
		lines: stdout(
			"64 bytes from 10.0.0.1: icmp_seq=1 ttl=64 time=0.1 ms",
			"64 bytes from 10.0.0.1: icmp_seq=2 ttl=64 time=0.1 ms",
		),
		keepOpen: true,
	}
	m, rec, _ := newTestManager(t, launcher)

	id, err := m.Start("s1", Request{Operation: OpPing, Target: "10.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, m.Cancel(id))
	assert.Equal(t, 0, m.CancelAll("s1"))
	waitIdle(t, m)

	msgs := messages(rec.snapshot())
	require.Len(t, msgs, 4, msgs)
	assert.Equal(t, "Starting ping to 10.0.0.1...", msgs[0])
	assert.Contains(t, msgs[1], "icmp_seq=1")
	assert.Contains(t, msgs[2], "icmp_seq=2")
	assert.Equal(t, "Ping stopped by user", msgs[3])

	info, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, StateCancelled, info.State)
	assert.ErrorIs(t, m.Cancel(id), ErrTaskNotFound)
}

func TestCancelAllStopsEverySessionTask(t *testing.T) {
	launcher := &fakeLauncher{keepOpen: true}
	m, rec, _ := newTestManager(t, launcher)

	for _, op := range []Operation{OpPing, OpTraceroute, OpPentest} {
		_, err := m.Start("s1", Request{Operation: op, Target: "10.0.0.1"})
		require.NoError(t, err)
	}
	other, err := m.Start("s2", Request{Operation: OpPing, Target: "10.0.0.2"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(launcher.launched()) == 4 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, m.CancelAll("s1"))
	require.Eventually(t, func() bool { return m.Active() == 1 }, 3*time.Second, 5*time.Millisecond)

	info, ok := m.Get(other)
	require.True(t, ok)
	assert.Equal(t, StateRunning, info.State)
	assert.Len(t, m.List("s1"), 3)

	for _, ev := range rec.snapshot() {
		if strings.HasSuffix(ev.Message, "stopped by user") {
			assert.Equal(t, "s1", ev.Session)
		}
	}
}

func TestPingReportsStderrAndExitCode(t *testing.T) {
	launcher := &fakeLauncher{
		lines: []supervisor.Line{
			{Stream: supervisor.Stdout, Text: "PING 10.0.0.9 (10.0.0.9) 56(84) bytes of data."},
			{Stream: supervisor.Stderr, Text: "ping: sendmsg: Network is unreachable"},
		},
		exitCode: 1,
	}
	m, rec, _ := newTestManager(t, launcher)

	id, err := m.Start("s1", Request{Operation: OpPing, Target: "10.0.0.9"})
	require.NoError(t, err)
	waitIdle(t, m)

	events := rec.snapshot()
	require.Len(t, events, 4, messages(events))
	assert.Equal(t, event.LevelInfo, events[1].Level)
	assert.Equal(t, event.LevelError, events[2].Level)
	assert.Equal(t, "Error: ping: sendmsg: Network is unreachable", events[2].Message)
	assert.Equal(t, event.LevelWarning, events[3].Level)
	assert.Equal(t, "⚠️ Ping completed with warnings", events[3].Message)

	cmds := launcher.launched()
	require.Len(t, cmds, 1)
	assert.Equal(t, "ping", cmds[0].Name)
	assert.Equal(t, []string{"-c", "4", "10.0.0.9"}, cmds[0].Args)

	info, _ := m.Get(id)
	assert.Equal(t, StateFailed, info.State)
}

func TestTracerouteReportsReadFailure(t *testing.T) {
	launcher := &fakeLauncher{
		lines:    stdout(" 1  10.0.0.1  0.321 ms"),
		exitCode: 0,
		readErr:  &supervisor.StreamError{Stream: supervisor.Stdout, Err: bufio.ErrTooLong},
	}
	m, rec, _ := newTestManager(t, launcher)

	id, err := m.Start("s1", Request{Operation: OpTraceroute, Target: "10.0.0.1"})
	require.NoError(t, err)
	waitIdle(t, m)

	events := rec.snapshot()
	require.Len(t, events, 3, messages(events))
	last := events[2]
	assert.Equal(t, event.LevelCritical, last.Level)
	assert.Equal(t, event.CategoryError, last.Category)
	assert.Equal(t, "❌ Traceroute output read failed: read stdout: bufio.Scanner: token too long", last.Message)

	info, _ := m.Get(id)
	assert.Equal(t, StateFailed, info.State)
}

func TestTracerouteLaunchFailureIsCritical(t *testing.T) {
	launcher := &fakeLauncher{err: &supervisor.LaunchError{Command: "traceroute", Err: exec.ErrNotFound}}
	m, rec, _ := newTestManager(t, launcher)

	id, err := m.Start("s1", Request{Operation: OpTraceroute, Target: "10.0.0.1"})
	require.NoError(t, err)
	waitIdle(t, m)

	events := rec.snapshot()
	require.Len(t, events, 2, messages(events))
	assert.Equal(t, event.LevelCritical, events[1].Level)
	assert.Equal(t, "❌ Traceroute command not found on system", events[1].Message)

	info, _ := m.Get(id)
	assert.Equal(t, StateFailed, info.State)
}

func TestNmapMissingFallsBackToConnectScan(t *testing.T) {
	launcher := &fakeLauncher{err: &supervisor.LaunchError{Command: "nmap", Err: exec.ErrNotFound}}
	m, rec, cfg := newTestManager(t, launcher)
	cfg.Tools.Nmap = "nmap"

	_, err := m.Start("s1", Request{Operation: OpPortscan, Target: "198.51.100.7"})
	require.NoError(t, err)
	waitIdle(t, m)

	msgs := messages(rec.snapshot())
	assert.Equal(t, []string{
		"Starting nmap fast scan of 198.51.100.7...",
		"Running: nmap -F 198.51.100.7",
		"❌ Nmap not found, falling back to basic port scan",
		"Starting fast port scan of 198.51.100.7...",
		"✅ Port 22 OPEN (SSH)",
		"✅ Port 80 OPEN (HTTP)",
		"✅ Scan completed: 2 open ports (22, 80) out of 10 scanned",
	}, msgs)
}

func TestNmapOutputIsClassified(t *testing.T) {
	launcher := &fakeLauncher{lines: stdout(
		"Starting Nmap 7.94 ( https://nmap.org )",
		"22/tcp open  ssh",
		"Nmap done: 1 IP address (1 host up) scanned in 0.05 seconds",
	)}
	m, rec, cfg := newTestManager(t, launcher)
	cfg.Tools.Nmap = "nmap"

	_, err := m.Start("s1", Request{Operation: OpPortscan, Target: "10.0.0.4", Speed: "deep"})
	require.NoError(t, err)
	waitIdle(t, m)

	events := rec.snapshot()
	msgs := messages(events)
	require.Len(t, events, 4, msgs)
	assert.Equal(t, "Running: nmap -sS -O 10.0.0.4", msgs[1])
	assert.Equal(t, "22/tcp open  ssh", msgs[2])
	assert.Equal(t, event.LevelSuccess, events[2].Level)
	assert.Equal(t, "✅ Nmap scan completed successfully", msgs[3])
}

func TestPentestSubstitutesTarget(t *testing.T) {
	launcher := &fakeLauncher{lines: stdout(
		"Starting Nmap 7.94",
		"80/tcp open  http",
		"|   VULNERABLE: CVE-2021-41773 path traversal",
	)}
	m, rec, _ := newTestManager(t, launcher)

	_, err := m.Start("s1", Request{Operation: OpPentest, Target: "10.0.0.5"})
	require.NoError(t, err)
	waitIdle(t, m)

	cmds := launcher.launched()
	require.Len(t, cmds, 1)
	assert.Equal(t, "nmap", cmds[0].Name)
	assert.Equal(t, []string{"-sV", "--script", "vuln", "10.0.0.5"}, cmds[0].Args)

	events := rec.snapshot()
	require.Len(t, events, 4, messages(events))
	assert.Equal(t, event.ChannelPentestStarted, events[0].Channel)
	assert.Equal(t, "10.0.0.5", events[0].Target)
	assert.Equal(t, "network", events[0].ScanType)
	assert.Equal(t, event.LevelSuccess, events[1].Level)
	assert.Equal(t, event.LevelCritical, events[2].Level)
	assert.Equal(t, "✅ Pentest scan completed successfully", events[3].Message)
	for _, ev := range events[1:] {
		assert.Equal(t, event.ChannelPentestOutput, ev.Channel)
	}
}

func TestConnectScanResolvesAndReportsProgress(t *testing.T) {
	m, rec, cfg := newTestManager(t, &fakeLauncher{})
	cfg.Scan.Speeds["normal"] = config.SpeedConfig{Ports: "1-100", Timeout: 10}
	prober := &fakeProber{open: map[int]bool{22: true}}
	m.Prober = prober
	m.Resolver = fakeResolver{"scanme.example": {"2001:db8::1", "192.0.2.10"}}

	_, err := m.Start("s1", Request{Operation: OpPortscan, Target: "scanme.example", Speed: "normal"})
	require.NoError(t, err)
	waitIdle(t, m)

	assert.Equal(t, []string{
		"Starting normal port scan of scanme.example...",
		"Resolved scanme.example to 192.0.2.10",
		"✅ Port 22 OPEN (SSH)",
		"Progress: 50% (50/100 ports)",
		"Progress: 100% (100/100 ports)",
		"✅ Scan completed: 1 open port (22) out of 100 scanned",
	}, messages(rec.snapshot()))
	_, ok := prober.ips.Load("192.0.2.10")
	assert.True(t, ok)

	_, err = m.Start("s1", Request{Operation: OpPortscan, Target: "nowhere.example"})
	require.NoError(t, err)
	waitIdle(t, m)
	msgs := messages(rec.snapshot())
	assert.Equal(t, "❌ Unable to resolve hostname: nowhere.example", msgs[len(msgs)-1])
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "SSH", ServiceName(22))
	assert.Equal(t, "Redis", ServiceName(6379))
	assert.Equal(t, "Unknown", ServiceName(31337))
}
