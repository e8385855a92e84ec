package main

import (
	"strings"
	"testing"
	"time"

	"github.com/mjl-/sconf"

	"github.com/cloudmailing/cm/config"
	"github.com/cloudmailing/cm/mx"
)

func TestExamples(t *testing.T) {
	for _, ex := range examples {
		// Get parses the example and fails on errors.
		s := ex.Get()
		if s == "" {
			t.Fatalf("empty example %s", ex.Name)
		}
	}
}

func TestUsage(t *testing.T) {
	for _, c := range cmds {
		c.gather()
		s := c.makeUsage()
		if !strings.HasPrefix(s, "usage: cm "+strings.Join(c.words, " ")) {
			t.Fatalf("bad usage for %v: %q", c.words, s)
		}
	}
}

func TestQueueEnv(t *testing.T) {
	var sc config.Static
	err := sconf.Parse(strings.NewReader(`DataDir: data
LogLevel: info
ID:
	Serial: sat1
Mailing:
	EHLO: sat1.cm.example
	CustomizeWorkers: 2
	SessionTimeout: 30
Testing:
	FakeSMTPHost: localhost
	FakeSMTPPort: 2525
	FakeDNS: true
`), &sc)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	sc.Mailing.SessionTimeoutDuration = 30 * time.Second

	env, err := queueEnv(sc)
	if err != nil {
		t.Fatalf("queue env: %v", err)
	}
	if _, ok := env.MX.(mx.Fake); !ok {
		t.Fatalf("got mx %T, expected fake resolver", env.MX)
	}
	if env.EHLO.ASCII != "sat1.cm.example" || env.Timeout != 30*time.Second || env.Customizer == nil || env.CustomizePool == nil {
		t.Fatalf("unexpected env %#v", env)
	}

	sc.Testing.FakeDNS = false
	env, err = queueEnv(sc)
	if err != nil {
		t.Fatalf("queue env: %v", err)
	}
	if _, ok := env.MX.(*mx.Resolver); !ok {
		t.Fatalf("got mx %T, expected resolver", env.MX)
	}

	sc.Mailing.EHLO = "bad.name."
	if _, err := queueEnv(sc); err == nil {
		t.Fatalf("expected error for invalid ehlo name")
	}

	settings := satelliteSettings(sc)
	if settings["ehlo"] != "bad.name." {
		t.Fatalf("unexpected settings %v", settings)
	}
}
