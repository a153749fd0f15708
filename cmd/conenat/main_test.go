package main

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()

	want := []string{"init", "run", "replay", "status", "mappings", "rules", "drain", "service", "version"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestPrefixMatcher(t *testing.T) {
	match, err := prefixMatcher([]string{"10.1.0.0/16", "192.168.7.9/24"})
	if err != nil {
		t.Fatalf("prefixMatcher() error = %v", err)
	}

	tests := []struct {
		addr string
		want bool
	}{
		{"10.1.2.3", true},
		{"10.2.0.1", false},
		{"192.168.7.200", true},
		{"192.168.8.1", false},
		{"203.0.113.1", false},
	}
	for _, tt := range tests {
		if got := match(netip.MustParseAddr(tt.addr)); got != tt.want {
			t.Errorf("match(%s) = %v, want %v", tt.addr, got, tt.want)
		}
	}

	if _, err := prefixMatcher([]string{"10.0.0.0/33"}); err == nil {
		t.Error("prefixMatcher() should reject an invalid prefix")
	}
}

func TestWriteMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "conenat_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	var buf bytes.Buffer
	if err := writeMetrics(&buf, reg); err != nil {
		t.Fatalf("writeMetrics() error = %v", err)
	}
	if !strings.Contains(buf.String(), "conenat_test_total 3") {
		t.Errorf("output missing counter:\n%s", buf.String())
	}
}
