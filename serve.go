package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cloudmailing/cm/cm-"
	"github.com/cloudmailing/cm/cmio"
	"github.com/cloudmailing/cm/cmvar"
	"github.com/cloudmailing/cm/config"
	"github.com/cloudmailing/cm/customize"
	"github.com/cloudmailing/cm/dns"
	"github.com/cloudmailing/cm/dsn"
	"github.com/cloudmailing/cm/master"
	"github.com/cloudmailing/cm/metrics"
	"github.com/cloudmailing/cm/mlog"
	"github.com/cloudmailing/cm/mx"
	"github.com/cloudmailing/cm/queue"
	"github.com/cloudmailing/cm/rpc"
	"github.com/cloudmailing/cm/satellite"
	"github.com/cloudmailing/cm/store"
	"github.com/cloudmailing/cm/webapi"
)

// waitSignal blocks until SIGINT or SIGTERM is received.
func waitSignal() os.Signal {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	return <-sigc
}

// shutdown gives connections some time to finish, then cancels all pending
// operations.
func shutdown(log mlog.Log) {
	// We indicate we are shutting down. Causes new connections to be refused and
	// queues to stop after their current recipient.
	cm.ShutdownCancel()

	// Now we are going to wait for all connections to be gone, up to a timeout.
	done := cm.Connections.Done()
	select {
	case <-done:
		log.Print("connections shutdown")

	case <-time.After(3 * time.Second):
		// We now cancel all pending operations, and set an immediate deadline on sockets.
		cm.ContextCancel()
		cm.Connections.Shutdown()

		select {
		case <-done:
			log.Print("no more connections, shutdown is clean")
		case <-time.After(time.Second):
			log.Print("shutting down with pending sockets")
		}
	}
}

// loadServeConfig loads the config with its log levels, unless a log level was
// set on the command-line.
func loadServeConfig() {
	cm.MustLoadConfig()
	if loglevel != "" {
		cm.Conf.Log[""] = mlog.Levels[loglevel]
		mlog.SetConfig(cm.Conf.Log)
	}
}

func cmdMaster(c *cmd) {
	c.help = `Start the master.

The master keeps the mailings and their recipients, serves the management API,
distributes recipients over connected satellites, and receives their delivery
reports and statistics. A master can also accept delivery status notifications
(bounces) over SMTP.

A satellite with the same serial as the master can run on the same machine,
it connects to the cluster address without challenge-response authentication.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	loadServeConfig()

	log := c.log
	sc := cm.Conf.Static
	if sc.CMMaster == nil {
		log.Fatal("missing CMMaster section in config file")
	}
	mc := sc.CMMaster
	log.Print("starting master", slog.String("version", cmvar.Version), slog.String("serial", sc.ID.Serial))

	db, err := store.Open(cm.Shutdown, log, sc.MasterDatabase.Path)
	xcheckf(err, "open master database")

	m := master.New(nil, db, master.ConfigFromStatic(sc))
	err = m.Init(cm.Shutdown)
	xcheckf(err, "initializing master")

	srv := rpc.NewServer(nil, m, sc.ID.Serial, sc.ServerTLSConfig)
	m.Cluster = srv
	ln, err := net.Listen("tcp", mc.ClusterAddress)
	xcheckf(err, "listen for satellites")
	cm.Go(log, metrics.Cluster, "cluster", func() {
		if err := srv.Serve(ln); err != nil {
			log.Errorx("serving cluster", err)
		}
	})
	log.Print("listening for satellites", slog.String("address", mc.ClusterAddress), slog.Bool("tls", sc.ServerTLSConfig != nil))

	m.Start(cm.Shutdown)

	var apiServer *http.Server
	if mc.APIAddress != "" {
		h, err := webapi.Handler(m, mc.APIKeyHash)
		xcheckf(err, "management api handler")
		apiServer = &http.Server{
			Addr:              mc.APIAddress,
			Handler:           h,
			ReadHeaderTimeout: 30 * time.Second,
		}
		cm.Go(log, metrics.Webapi, "webapi", func() {
			err := apiServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorx("serving management api", err)
			}
		})
		log.Print("serving management api", slog.String("address", mc.APIAddress))
	}

	var dsnServer *dsn.Server
	if mc.DSNAddress != "" {
		domain := sc.HostnameDomain
		if mc.DSNDomain != "" {
			domain, err = dns.ParseDomain(mc.DSNDomain)
			xcheckf(err, "parsing dsn domain")
		}
		dsnServer, err = dsn.Listen(cm.Shutdown, nil, db, mc.DSNAddress, sc.HostnameDomain, domain)
		xcheckf(err, "listen for delivery status notifications")
		log.Print("accepting delivery status notifications", slog.String("address", mc.DSNAddress), slog.Any("domain", domain))
	}

	cm.Go(log, metrics.Serve, "metrics", func() { metrics.ListenAndServe(cm.Shutdown, sc.MetricsAddress) })

	sig := waitSignal()
	log.Print("shutting down, waiting max 3s for existing connections", slog.Any("signal", sig))
	if dsnServer != nil {
		dsnServer.Close()
	}
	if apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := apiServer.Shutdown(ctx)
		cancel()
		log.Check(err, "shutting down management api")
	}
	srv.Stop()
	shutdown(log)
	err = db.Close()
	log.Check(err, "closing master database")
	log.Print("master stopped")
}

// satelliteSettings are sent to the master when connecting, for display in the
// list of satellites.
func satelliteSettings(sc config.Static) map[string]string {
	m := sc.Mailing
	return map[string]string{
		"hostname":                     sc.HostnameDomain.ASCII,
		"ehlo":                         m.EHLO,
		"sendmail_method":              sc.SendMail.Method,
		"queue_max_size":               strconv.Itoa(m.QueueMaxSize),
		"queue_min_size":               strconv.Itoa(m.QueueMinSize),
		"max_thread":                   strconv.Itoa(m.MaxThread),
		"max_thread_size":              strconv.Itoa(m.MaxThreadSize),
		"default_max_queue_per_domain": strconv.Itoa(m.DefaultMaxQueuePerDomain),
	}
}

// queueEnv returns the environment for delivery queues of a satellite. The
// database and report function are set by satellite.New.
func queueEnv(sc config.Static) (*queue.Env, error) {
	ehlo, err := dns.ParseDomain(sc.Mailing.EHLO)
	if err != nil {
		return nil, err
	}
	var resolver mx.Interface
	if sc.Testing != nil && sc.Testing.FakeDNS {
		resolver = mx.Fake{Host: sc.Testing.FakeSMTPHost}
	} else {
		resolver = mx.NewResolver(dns.StrictResolver{Pkg: "mx"}, sc.SendMail.FallbackToA, sc.SendMail.CNAMELimit, sc.SendMail.BadHostCooldownDuration)
	}
	return &queue.Env{
		MX:            resolver,
		Customizer:    customize.New(nil, sc.Mailing.MailTemp, nil),
		CustomizePool: cmio.NewPool(sc.Mailing.CustomizeWorkers),
		EHLO:          ehlo,
		Attempts:      sc.Mailing.ConnectAttempts,
		Timeout:       sc.Mailing.SessionTimeoutDuration,
		Testing:       sc.Testing,
		Notation:      sc.DomainsNotation,
		BackupDir:     sc.Mailing.CustomizedContentFolder,
	}, nil
}

func cmdSatellite(c *cmd) {
	c.help = `Start a satellite.

A satellite connects to the master, leases recipients of running mailings,
customizes the message for each recipient and delivers it over SMTP. Delivery
results and hourly statistics are reported back to the master. While the
master is unreachable, the satellite keeps delivering the recipients it has,
and keeps the reports until they can be sent.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	loadServeConfig()

	log := c.log
	sc := cm.Conf.Static
	if sc.Mailing.MasterAddress == "" {
		log.Fatal("missing Mailing.MasterAddress in config file")
	}
	log.Print("starting satellite", slog.String("version", cmvar.Version), slog.String("serial", sc.ID.Serial), slog.String("master", sc.Mailing.MasterAddress))

	db, err := satellite.Open(cm.Shutdown, log, sc.SatelliteDatabase.Path)
	xcheckf(err, "open satellite database")

	env, err := queueEnv(sc)
	xcheckf(err, "preparing queue environment")

	conn, err := rpc.Dial(cm.Shutdown, sc.Mailing.MasterAddress, sc.ClientTLSConfig)
	xcheckf(err, "dial master")
	client := rpc.NewClient(nil, conn, sc.ID.Serial, sc.Mailing.SharedKey)

	s := satellite.New(nil, db, satellite.ConfigFromStatic(sc), client, env)
	err = s.Init(cm.Shutdown)
	xcheckf(err, "initializing satellite")
	s.Start(cm.Shutdown)

	cm.Go(log, metrics.Satellite, "session", func() {
		s.Run(cm.Shutdown, client, satelliteSettings(sc))
	})
	cm.Go(log, metrics.Serve, "metrics", func() { metrics.ListenAndServe(cm.Shutdown, sc.MetricsAddress) })

	sig := waitSignal()
	log.Print("shutting down, waiting max 3s for existing connections", slog.Any("signal", sig))
	shutdown(log)
	s.Wait()
	err = conn.Close()
	log.Check(err, "closing connection to master")
	err = db.Close()
	log.Check(err, "closing satellite database")
	log.Print("satellite stopped")
}
