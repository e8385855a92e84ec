package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/cloudmailing/cm/config"
)

func cmdExample(c *cmd) {
	c.params = "[name]"
	c.help = `List available examples, or print a specific example.`

	args := c.Parse()
	if len(args) > 1 {
		c.Usage()
	}

	var match func() string
	for _, ex := range examples {
		if len(args) == 0 {
			fmt.Println(ex.Name)
		} else if args[0] == ex.Name {
			match = ex.Get
		}
	}
	if len(args) == 0 {
		return
	}
	if match == nil {
		log.Fatalln("not found")
	}
	fmt.Print(match())
}

var examples = []struct {
	Name string
	Get  func() string
}{
	{
		"master",
		func() string {
			const masterconf = `# cm.conf for a master with a local satellite sharing its serial.

DataDir: ../data
LogLevel: info
Hostname: cm.example
MetricsAddress: localhost:8010
ID:
	Serial: master1
Mailing:
	# The local satellite connects to the cluster address of this same config.
	MasterAddress: localhost:7200
CMMaster:
	ClusterAddress: :7200
	APIAddress: localhost:8080
	# Generate with: echo $key | cm apikey
	APIKeyHash: $2a$10$IPw.5RiGdTPB5WO5hz8pKuUlf9OfkSmITFpF9BGq1KZcvyFzZm7Vy
	# Mailings with return path addresses at bounce.cm.example get their bounces
	# delivered here.
	DSNAddress: :25
	DSNDomain: bounce.cm.example
	SatelliteMaxRecipientsToSend: 1000
	CustomizedContentRetentionDays: 10
	FeedbackLoopSettings:
		customer_id: 1234
		sender_id: cm
`
			var static config.Static
			err := sconf.Parse(strings.NewReader(masterconf), &static)
			xcheckf(err, "parsing master example")
			return masterconf
		},
	},
	{
		"satellite",
		func() string {
			const satelliteconf = `# cm.conf for a satellite, connecting to the master with TLS.

DataDir: ../data
LogLevel: info
PackageLogLevels:
	smtpclient: debug
Hostname: sat1.cm.example
ID:
	Serial: sat1
Mailing:
	MasterAddress: cm.example:7200
	MasterTLS: true
	# The master must have a satellite registered with this serial and key.
	SharedKey: 0123456789abcdef
	MaxThread: 50
	MaxThreadSize: 100
	DefaultMaxQueuePerDomain: 2
	CustomizeWorkers: 4
SendMail:
	Method: direct
	FallbackToA: true
	BadHostCooldown: 60
# Domains with a high score get more recipients per connection. Domains scoring
# below 0 are not sent to.
DomainsNotation:
	-
		MinNote: 50
		MaxRecipients: 100
	-
		MinNote: 0
		MaxRecipients: 10
	-
		MinNote: -1000
		MaxRecipients: 0
DomainConfigs:
	gmail.com:
		MaxRelayers: 10
`
			var static config.Static
			err := sconf.Parse(strings.NewReader(satelliteconf), &static)
			xcheckf(err, "parsing satellite example")
			return satelliteconf
		},
	},
	{
		"testing",
		func() string {
			const testingconf = `# Snippet for cm.conf, delivering all messages to the server started with
# "cm testsmtp -address localhost:2525".

Testing:
	FakeSMTPHost: localhost
	FakeSMTPPort: 2525
	FakeDNS: true
`
			var static config.Static
			err := sconf.Parse(strings.NewReader("DataDir: data\nLogLevel: info\nID:\n\tSerial: test\n"+testingconf), &static)
			xcheckf(err, "parsing testing example")
			return testingconf
		},
	},
}
