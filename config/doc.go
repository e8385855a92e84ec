/*
Package config holds the configuration file definitions.

A single configuration file, cm.conf, in sconf format, configures a master, a
satellite, or both in the same process. Use "cm config describe" to print an
annotated configuration file with all fields, and "cm config test" to check a
configuration file.

A minimal satellite configuration:

	DataDir: data
	LogLevel: info
	ID:
		Serial: sat1
	Mailing:
		MasterAddress: master.example.com:7200
		SharedKey: secret

A minimal master configuration:

	DataDir: data
	LogLevel: info
	ID:
		Serial: master
	CMMaster:
		ClusterAddress: :7200
		DSNAddress: :2525
		DSNDomain: bounce.example.com
*/
package config
