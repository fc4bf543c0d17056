package classifier

import (
	"testing"

	"github.com/dushixiang/sentinel/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyAlertRules(t *testing.T) {
	c := MustDefault()

	tests := []struct {
		name     string
		line     string
		keep     bool
		level    event.Level
		category string
	}{
		{"port scan", "ET SCAN Possible Port Scan from 10.0.0.5", true, event.LevelHigh, event.CategoryScan},
		{"failed login", "sshd: Failed password login for root", true, event.LevelCritical, event.CategoryBruteforce},
		{"malware", "ET MALWARE trojan beacon", true, event.LevelCritical, event.CategoryMalware},
		{"suspicious", "Suspicious user agent observed", true, event.LevelMedium, event.CategoryAnomaly},
		{"exploit", "possible EXPLOIT attempt", true, event.LevelCritical, event.CategoryExploit},
		{"ddos", "UDP flood towards 10.0.0.1", true, event.LevelHigh, event.CategoryDoS},
		{"keyword error", "<Error> - failed to open pcap", true, event.LevelCritical, event.CategorySystem},
		{"keyword warning", "<Warning> - rule reload slow", true, event.LevelHigh, event.CategorySystem},
		{"keyword notice", "<Notice> - all 4 packet processing threads running", true, event.LevelInfo, event.CategorySystem},
		{"keyword alert", "alert stats updated", true, event.LevelMedium, event.CategorySystem},
		{"no keyword", "engine started in autofp mode", false, "", ""},
		{"blank", "   ", false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, ok := c.Classify(tt.line, ModeAlert)
			require.Equal(t, tt.keep, ok)
			if !tt.keep {
				return
			}
			assert.Equal(t, tt.level, res.Level)
			assert.Equal(t, tt.category, res.Category)
		})
	}
}

func TestMalwareWinsOverSuspicious(t *testing.T) {
	c := MustDefault()
	res, ok := c.Classify("suspicious binary matched malware signature", ModeAlert)
	require.True(t, ok)
	assert.Equal(t, "malware", res.Rule)
	assert.Equal(t, event.LevelCritical, res.Level)
	assert.Equal(t, event.CategoryMalware, res.Category)
	assert.Equal(t, "🚨 MALWARE detected: suspicious binary matched malware signature", res.Message)
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := MustDefault()
	lines := []string{
		"ET SCAN port sweep",
		"1\t0.01\t10.0.0.1\t10.0.0.2\teth:ethertype:ip:tcp:telnet\t51234 → 23 [SYN]",
		"random noise",
		"<Warning> - something",
	}
	for _, mode := range Modes() {
		for _, line := range lines {
			first, firstOK := c.Classify(line, mode)
			for i := 0; i < 20; i++ {
				again, ok := c.Classify(line, mode)
				assert.Equal(t, firstOK, ok)
				assert.Equal(t, first, again)
			}
		}
	}
}

func TestClassifyPacket(t *testing.T) {
	c := MustDefault()

	tests := []struct {
		name  string
		line  string
		keep  bool
		level event.Level
	}{
		{"telnet", "7\t1.2\t10.0.0.3\t10.0.0.9\teth:ethertype:ip:tcp:telnet\tTelnet Data ...", true, event.LevelCritical},
		{"ftp port", "8\t1.3\t10.0.0.3\t10.0.0.9\teth:ethertype:ip:tcp\t40000 → 21 [SYN] Seq=0", true, event.LevelCritical},
		{"smb", "9\t1.4\t10.0.0.3\t10.0.0.9\teth:ethertype:ip:tcp:nbss:smb2\tNegotiate Protocol Request", true, event.LevelHigh},
		{"netbios port", "10\t1.5\t10.0.0.3\t10.0.0.9\teth:ethertype:ip:tcp\t40001 → 445 [SYN]", true, event.LevelHigh},
		{"reply from telnet port", "14\t1.9\t10.0.0.9\t10.0.0.3\teth:ethertype:ip:tcp\t23 → 40004 [SYN, ACK] Seq=0 Ack=1", true, event.LevelCritical},
		{"ascii arrow", "15\t2.0\t10.0.0.3\t10.0.0.9\teth:ethertype:ip:tcp\t40005 -> 135 [SYN]", true, event.LevelCritical},
		{"sequence and length fields", "16\t2.1\t10.0.0.3\t10.0.0.9\teth:ethertype:ip:tcp\t40002 → 8443 [ACK] Seq=23 Ack=1 Win=502 Len=21", false, ""},
		{"length field", "17\t2.2\t10.0.0.3\t10.0.0.9\teth:ethertype:ip:tcp\t40003 → 8443 [PSH, ACK] Seq=1 Ack=1 Win=502 Len=445", false, ""},
		{"dns", "11\t1.6\t10.0.0.3\t1.1.1.1\teth:ethertype:ip:udp:dns\tStandard query A example.com", true, event.LevelInfo},
		{"icmp", "12\t1.7\t10.0.0.3\t1.1.1.1\teth:ethertype:ip:icmp:data\tEcho (ping) request", true, event.LevelInfo},
		{"unmatched", "13\t1.8\t10.0.0.3\t10.0.0.9\teth:ethertype:ip:udp:quic\tProtected Payload", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, ok := c.Classify(tt.line, ModePacket)
			require.Equal(t, tt.keep, ok)
			if tt.keep {
				assert.Equal(t, tt.level, res.Level)
				assert.Contains(t, res.Message, "Network traffic detected: ")
			}
		})
	}
}

func TestClassifyScanAndRaw(t *testing.T) {
	c := MustDefault()

	_, ok := c.Classify("Starting Nmap 7.94 ( https://nmap.org )", ModeScan)
	assert.False(t, ok)
	_, ok = c.Classify("Nmap scan report for 10.0.0.1", ModeScan)
	assert.False(t, ok)

	res, ok := c.Classify("22/tcp   open  ssh", ModeScan)
	require.True(t, ok)
	assert.Equal(t, event.LevelSuccess, res.Level)

	res, ok = c.Classify("|   VULNERABLE:", ModeScan)
	require.True(t, ok)
	assert.Equal(t, event.LevelCritical, res.Level)

	res, ok = c.Classify("64 bytes from 1.1.1.1: icmp_seq=1 ttl=57 time=3.1 ms", ModeRaw)
	require.True(t, ok)
	assert.Equal(t, event.LevelInfo, res.Level)
	assert.Equal(t, "64 bytes from 1.1.1.1: icmp_seq=1 ttl=57 time=3.1 ms", res.Message)

	_, ok = c.Classify("", ModeRaw)
	assert.False(t, ok)
}

func TestOverrides(t *testing.T) {
	c, err := New(map[Mode][]Rule{
		ModeAlert: {{Name: "custom", Pattern: "beacon", Level: event.LevelHigh, Category: "c2", Message: "{{name}}: {{line}}"}},
	})
	require.NoError(t, err)

	res, ok := c.Classify("dns beacon", ModeAlert)
	require.True(t, ok)
	assert.Equal(t, "custom: dns beacon", res.Message)

	// 默认规则已被替换，但关键字兜底仍然生效
	res, ok = c.Classify("malware error", ModeAlert)
	require.True(t, ok)
	assert.Equal(t, event.CategorySystem, res.Category)
}

func TestNewRejectsInvalidRules(t *testing.T) {
	_, err := New(map[Mode][]Rule{ModeAlert: {{Name: "bad", Pattern: "(", Level: event.LevelHigh}}})
	assert.Error(t, err)

	_, err = New(map[Mode][]Rule{ModeAlert: {{Name: "bad level", Pattern: "x", Level: "urgent"}}})
	assert.Error(t, err)

	_, err = New(map[Mode][]Rule{"bogus": {{Name: "x", Pattern: "x", Level: event.LevelInfo}}})
	assert.Error(t, err)
}
