package cm

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mjl-/sconf"

	"github.com/cloudmailing/cm/config"
	"github.com/cloudmailing/cm/dns"
	"github.com/cloudmailing/cm/mlog"
)

var pkglog = mlog.New("cm", nil)

// ConfigStaticPath is set early in program startup.
var ConfigStaticPath string

// Conf is the current configuration.
var Conf = Config{Log: map[string]slog.Level{"": slog.LevelError}}

var ErrConfig = errors.New("config error")

// Config as used in the code, a processed version of what is in the config file.
type Config struct {
	Static config.Static // Does not change during the lifetime of a running instance.

	logMutex sync.Mutex
	Log      map[string]slog.Level
}

// LogLevelSet sets a new log level for pkg. An empty pkg sets the default log
// level. The change is ephemeral, no config file is changed.
func (c *Config) LogLevelSet(log mlog.Log, pkg string, level slog.Level) {
	c.logMutex.Lock()
	defer c.logMutex.Unlock()
	l := c.copyLogLevels()
	l[pkg] = level
	c.Log = l
	log.Print("log level changed", slog.String("pkg", pkg), slog.Any("level", mlog.LevelStrings[level]))
	mlog.SetConfig(c.Log)
}

func (c *Config) copyLogLevels() map[string]slog.Level {
	m := map[string]slog.Level{}
	for pkg, level := range c.Log {
		m[pkg] = level
	}
	return m
}

// MustLoadConfig loads the config, quitting on errors.
func MustLoadConfig() {
	errs := LoadConfig(context.Background(), pkglog)
	if len(errs) > 1 {
		pkglog.Error("loading config file: multiple errors")
		for _, err := range errs {
			pkglog.Errorx("config error", err)
		}
		pkglog.Fatal("stopping after multiple config errors")
	} else if len(errs) == 1 {
		pkglog.Fatalx("loading config file", errs[0])
	}
}

// LoadConfig attempts to parse and load a config, returning any errors
// encountered.
func LoadConfig(ctx context.Context, log mlog.Log) []error {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())

	c, errs := ParseConfig(ctx, log, ConfigStaticPath, false)
	if len(errs) > 0 {
		return errs
	}

	mlog.SetConfig(c.Log)
	SetConfig(c)
	return nil
}

// SetConfig sets a new config. Not to be used during normal operation.
func SetConfig(c *Config) {
	// Cannot just assign *c to Conf, it would copy the mutex.
	Conf = Config{Static: c.Static, Log: c.Log}
}

// ParseConfig parses the static config at path p. If checkOnly is true, files
// referenced by the config, such as TLS key pairs, are checked but directories
// are not created.
func ParseConfig(ctx context.Context, log mlog.Log, p string, checkOnly bool) (c *Config, errs []error) {
	c = &Config{
		Static: config.Static{
			DataDir: ".",
		},
	}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("CMCONF") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use cm -config ... or set CMCONF=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}

	if xerrs := PrepareStaticConfig(ctx, log, p, c, checkOnly); len(xerrs) > 0 {
		return nil, xerrs
	}
	return c, nil
}

// PrepareStaticConfig checks the parsed config and fills in defaults and
// derived fields.
func PrepareStaticConfig(ctx context.Context, log mlog.Log, configFile string, conf *Config, checkOnly bool) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	c := &conf.Static

	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		conf.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			conf.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	if !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(filepath.Dir(configFile), c.DataDir)
	}

	if c.Hostname == "" {
		if h, err := os.Hostname(); err != nil {
			addErrorf("looking up hostname: %v", err)
		} else {
			c.Hostname = h
		}
	}
	if d, err := dns.ParseDomain(c.Hostname); err != nil {
		addErrorf("parsing hostname %q: %v", c.Hostname, err)
	} else {
		c.HostnameDomain = d
	}
	if c.ID.Serial == "" {
		addErrorf("missing ID.Serial")
	}

	m := &c.Mailing
	setDefault(&m.QueueMaxSize, 10000)
	setDefault(&m.QueueMinSize, 5000)
	setDefault(&m.MaxThread, 50)
	setDefault(&m.MaxThreadSize, 100)
	setDefault(&m.MaxReports, 1000)
	m.MaxReports = min(m.MaxReports, 5000)
	setDefault(&m.MaxNewRecipients, 100)
	m.MaxNewRecipients = min(m.MaxNewRecipients, 1000)
	setDefault(&m.DefaultMaxQueuePerDomain, 1)
	setDefault(&m.ZombieQueueAge, 300)
	setDefault(&m.CustomizeWorkers, 1)
	setDefault(&m.ConnectAttempts, 5)
	setDefault(&m.SessionTimeout, 60)
	if m.EHLO == "" {
		m.EHLO = c.HostnameDomain.ASCII
	}
	if m.MailTemp == "" {
		m.MailTemp = "mailtemp"
	}
	m.MailTemp = DataDirPath(c.DataDir, m.MailTemp)
	if m.CustomizedContentFolder == "" {
		m.CustomizedContentFolder = "customized"
	}
	m.CustomizedContentFolder = DataDirPath(c.DataDir, m.CustomizedContentFolder)
	if m.QueueMinSize > m.QueueMaxSize {
		addErrorf("Mailing.QueueMinSize %d larger than QueueMaxSize %d", m.QueueMinSize, m.QueueMaxSize)
	}
	m.ZombieQueueAgeDuration = time.Duration(m.ZombieQueueAge) * time.Second
	m.QueueEndingDelayDuration = time.Duration(m.QueueEndingDelay) * time.Second
	m.SessionTimeoutDuration = time.Duration(m.SessionTimeout) * time.Second
	if m.MasterTLS {
		c.ClientTLSConfig = &tls.Config{InsecureSkipVerify: m.MasterTLSSkipVerify}
	}

	if c.MasterDatabase.Path == "" {
		c.MasterDatabase.Path = "master.db"
	}
	c.MasterDatabase.Path = DataDirPath(c.DataDir, c.MasterDatabase.Path)
	if c.SatelliteDatabase.Path == "" {
		c.SatelliteDatabase.Path = "satellite.db"
	}
	c.SatelliteDatabase.Path = DataDirPath(c.DataDir, c.SatelliteDatabase.Path)

	sm := &c.SendMail
	switch sm.Method {
	case "":
		sm.Method = "direct"
	case "direct":
	case "provider", "smarthost":
		if c.SendMailProvider == nil {
			addErrorf("SendMail.Method %s requires SendMailProvider", sm.Method)
		}
	default:
		addErrorf("unknown SendMail.Method %q", sm.Method)
	}
	setDefault(&sm.BadHostCooldown, 60)
	setDefault(&sm.CNAMELimit, 3)
	setDefault(&sm.Port, 25)
	sm.BadHostCooldownDuration = time.Duration(sm.BadHostCooldown) * time.Second
	if p := c.SendMailProvider; p != nil {
		if p.Port == 0 {
			p.Port = 587
			if p.TLS {
				p.Port = 465
			}
		}
		switch strings.ToUpper(p.Mechanism) {
		case "":
			p.Mechanism = "PLAIN"
		case "PLAIN", "LOGIN":
			p.Mechanism = strings.ToUpper(p.Mechanism)
		default:
			addErrorf("unknown SendMailProvider.Mechanism %q", p.Mechanism)
		}
	}

	if t := c.Testing; t != nil {
		if t.FakeSMTPHost == "" {
			t.FakeSMTPHost = "localhost"
		}
		setDefault(&t.FakeSMTPPort, 2525)
	}

	sort.SliceStable(c.DomainsNotation, func(i, j int) bool {
		return c.DomainsNotation[i].MinNote > c.DomainsNotation[j].MinNote
	})
	for i, s := range c.DomainsNotation {
		if s.MaxRecipients < 0 {
			addErrorf("DomainsNotation[%d]: negative MaxRecipients", i)
		}
	}

	c.DomainsParsed = map[string]config.Domain{}
	for name, dc := range c.DomainConfigs {
		d, err := dns.ParseDomain(name)
		if err != nil {
			addErrorf("parsing domain %q in DomainConfigs: %v", name, err)
			continue
		}
		c.DomainsParsed[d.ASCII] = dc
	}

	if mc := c.CMMaster; mc != nil {
		setDefault(&mc.SatelliteMaxRecipientsToSend, 1000)
		setDefault(&mc.OrphanRecipientsMaxAge, 3600)
		setDefault(&mc.OrphanRecipientsMaxRecipients, 10000)
		setDefault(&mc.CustomizedContentRetentionDays, 10)
		setDefault(&mc.ReportWorkers, 1)
		setDefault(&mc.GetRecipientsWorkers, 1)
		mc.OrphanRecipientsMaxAgeDuration = time.Duration(mc.OrphanRecipientsMaxAge) * time.Second
		if mc.ClusterAddress == "" {
			addErrorf("missing CMMaster.ClusterAddress")
		}
		if mc.DSNDomain != "" {
			if _, err := dns.ParseDomain(mc.DSNDomain); err != nil {
				addErrorf("parsing CMMaster.DSNDomain: %v", err)
			}
		}
		if mc.TLS != nil {
			cert, err := tls.LoadX509KeyPair(DataDirPath(c.DataDir, mc.TLS.CertFile), DataDirPath(c.DataDir, mc.TLS.KeyFile))
			if err != nil {
				addErrorf("loading cluster tls key pair: %v", err)
			} else {
				c.ServerTLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
			}
		}
	}

	if !checkOnly {
		for _, dir := range []string{c.DataDir, m.MailTemp, m.CustomizedContentFolder} {
			if err := os.MkdirAll(dir, 0770); err != nil {
				addErrorf("creating directory %s: %v", dir, err)
			}
		}
	}
	return errs
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// RunningUnittest returns whether the process runs under a test harness that
// requests short intervals, through $CM_RUNNING_UNITTEST.
func RunningUnittest() bool {
	return os.Getenv("CM_RUNNING_UNITTEST") != ""
}
