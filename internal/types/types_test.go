package types

import (
	"testing"
	"time"
)

func TestParseProtocol(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Protocol
		ok   bool
	}{
		{"http", ProtocolHTTP, true},
		{" HTTPS ", ProtocolHTTPS, true},
		{"SOCKS4", ProtocolSOCKS4, true},
		{"socks5", ProtocolSOCKS5, true},
		{"ftp", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, ok := ParseProtocol(tt.in)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseProtocol(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestCandidateField(t *testing.T) {
	t.Parallel()

	c := Candidate{
		IP:       "1.2.3.4",
		Port:     8080,
		Protocol: Ptr(ProtocolSOCKS5),
		Source:   Ptr("siteA"),
	}

	cases := map[string]string{
		FieldIP:        "1.2.3.4",
		FieldPort:      "8080",
		FieldProtocol:  "socks5",
		FieldSource:    "siteA",
		FieldCountry:   "",
		FieldAnonymity: "",
		"unknown":      "",
	}
	for field, want := range cases {
		if got := c.Field(field); got != want {
			t.Errorf("Field(%q) = %q, want %q", field, got, want)
		}
	}

	if got := c.Key([]string{FieldIP, FieldPort, FieldCountry}); got != "1.2.3.4|8080|" {
		t.Errorf("Key = %q", got)
	}
	if got := c.String(); got != "socks5://1.2.3.4:8080" {
		t.Errorf("String = %q", got)
	}
}

func TestCandidateValid(t *testing.T) {
	t.Parallel()

	if (Candidate{IP: "1.2.3.4"}).Valid() {
		t.Error("candidate without port should be invalid")
	}
	if (Candidate{Port: 80}).Valid() {
		t.Error("candidate without ip should be invalid")
	}
	if !(Candidate{IP: "1.2.3.4", Port: 80}).Valid() {
		t.Error("candidate with ip and port should be valid")
	}
}

func TestStoredProxyPredicates(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	p := StoredProxy{}
	p.CheckFailCount = 3
	if !p.IsDead(3) {
		t.Error("fail count 3 should be dead at threshold 3")
	}
	if p.IsDead(4) {
		t.Error("fail count 3 should not be dead at threshold 4")
	}

	if !p.IsStale(time.Hour, now) {
		t.Error("never-checked proxy should be stale")
	}
	p.LastCheckedAt = now.Add(-30 * time.Minute)
	if p.IsStale(time.Hour, now) {
		t.Error("proxy checked 30m ago should not be stale")
	}
	p.LastCheckedAt = now.Add(-2 * time.Hour)
	if !p.IsStale(time.Hour, now) {
		t.Error("proxy checked 2h ago should be stale")
	}

	p.IP, p.Port = "5.6.7.8", 3128
	if got := p.URL(); got != "http://5.6.7.8:3128" {
		t.Errorf("URL = %q", got)
	}
}
