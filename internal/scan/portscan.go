package scan

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dushixiang/sentinel/internal/classifier"
	"github.com/dushixiang/sentinel/internal/config"
	"github.com/dushixiang/sentinel/internal/event"
	"github.com/dushixiang/sentinel/internal/supervisor"
	"github.com/sourcegraph/conc/stream"
)

// Prober 探测单个 TCP 端口是否开放
type Prober interface {
	Probe(ctx context.Context, ip string, port int, timeout time.Duration) bool
}

// DialProber TCP 连接探测
type DialProber struct {
	Dialer net.Dialer
}

func (p *DialProber) Probe(ctx context.Context, ip string, port int, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := p.Dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

var services = map[int]string{
	21: "FTP", 22: "SSH", 23: "Telnet", 25: "SMTP", 53: "DNS",
	80: "HTTP", 110: "POP3", 143: "IMAP", 443: "HTTPS", 993: "IMAPS",
	995: "POP3S", 3389: "RDP", 3306: "MySQL", 5432: "PostgreSQL",
	1433: "MSSQL", 27017: "MongoDB", 6379: "Redis", 5672: "RabbitMQ",
}

// ServiceName 常见端口对应的服务名
func ServiceName(port int) string {
	if name, ok := services[port]; ok {
		return name
	}
	return "Unknown"
}

// progressEvery 非 fast 扫描每探测这么多端口报告一次进度
const progressEvery = 50

func (m *Manager) portscan(t *Task) error {
	target, speedName := t.Request.Target, t.Request.Speed
	speed := m.cfg.Scan.Speeds[speedName]

	if nmap := m.cfg.Tools.Nmap; nmap != "" {
		args := append(append([]string{}, speed.NmapArgs...), target)
		cmd := supervisor.Command{Name: nmap, Args: args}
		t.emit(event.LevelInfo, event.CategorySystem, fmt.Sprintf("Starting nmap %s scan of %s...", speedName, target))
		t.emit(event.LevelInfo, event.CategorySystem, "Running: "+cmd.String())

		proc, err := m.runCommand(t, cmd, classifier.ModeScan)
		if err == nil {
			return m.complete(t, "Nmap scan", proc)
		}
		if !notFound(err) {
			t.emit(event.LevelCritical, event.CategoryError, fmt.Sprintf("❌ Nmap error: %v", err))
			return err
		}
		t.emit(event.LevelWarning, event.CategorySystem, "❌ Nmap not found, falling back to basic port scan")
	}
	return m.connectScan(t, speed)
}

// resolve 目标为主机名时解析出 IP，优先 IPv4
func (m *Manager) resolve(ctx context.Context, target string) (string, error) {
	if net.ParseIP(target) != nil {
		return target, nil
	}
	addrs, err := m.Resolver.LookupHost(ctx, target)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %s", target)
	}
	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return addr, nil
		}
	}
	return addrs[0], nil
}

// connectScan 内置 TCP 连接扫描，并发探测，按端口顺序报告
func (m *Manager) connectScan(t *Task, speed config.SpeedConfig) error {
	target, speedName := t.Request.Target, t.Request.Speed
	ports, err := config.ParsePorts(speed.Ports)
	if err != nil {
		t.emit(event.LevelError, event.CategoryError, fmt.Sprintf("❌ Port scan error: %v", err))
		return err
	}

	t.emit(event.LevelInfo, event.CategorySystem, fmt.Sprintf("Starting %s port scan of %s...", speedName, target))

	ip, err := m.resolve(t.ctx, target)
	if err != nil {
		if t.Cancelled() {
			return nil
		}
		t.emit(event.LevelError, event.CategoryError, fmt.Sprintf("❌ Unable to resolve hostname: %s", target))
		return err
	}
	if ip != target {
		t.emit(event.LevelInfo, event.CategorySystem, fmt.Sprintf("Resolved %s to %s", target, ip))
	}

	timeout := time.Duration(speed.Timeout) * time.Millisecond
	concurrency := m.cfg.Scan.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	reportProgress := speedName != DefaultSpeed

	var open []string
	scanned := 0
	s := stream.New().WithMaxGoroutines(concurrency)
	for _, port := range ports {
		if t.ctx.Err() != nil {
			break
		}
		s.Go(func() stream.Callback {
			if t.ctx.Err() != nil {
				return nil
			}
			ok := m.Prober.Probe(t.ctx, ip, port, timeout)
			return func() {
				scanned++
				if ok {
					open = append(open, strconv.Itoa(port))
					t.emit(event.LevelSuccess, event.CategoryScan, fmt.Sprintf("✅ Port %d OPEN (%s)", port, ServiceName(port)))
				}
				if reportProgress && scanned%progressEvery == 0 {
					t.emit(event.LevelInfo, event.CategoryScan, fmt.Sprintf("Progress: %d%% (%d/%d ports)",
						scanned*100/len(ports), scanned, len(ports)))
				}
			}
		})
	}
	s.Wait()

	if t.Cancelled() {
		return nil
	}
	t.emit(event.LevelSuccess, event.CategoryScan, summary(open, len(ports)))
	return nil
}

func summary(open []string, total int) string {
	noun := "open ports"
	if len(open) == 1 {
		noun = "open port"
	}
	if len(open) == 0 {
		return fmt.Sprintf("✅ Scan completed: 0 open ports out of %d scanned", total)
	}
	return fmt.Sprintf("✅ Scan completed: %d %s (%s) out of %d scanned", len(open), noun, strings.Join(open, ", "), total)
}
