package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/armon/go-metrics"
	mapsink "github.com/bakins/go-metrics-map"
	mmw "github.com/bakins/go-metrics-middleware"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/innogames/igvm"
	"github.com/innogames/igvm/pkg/hostport"
	"github.com/innogames/igvm/pkg/jobqueue"
	"github.com/innogames/igvm/pkg/kv"
	_ "github.com/innogames/igvm/pkg/kv/consul"
	_ "github.com/innogames/igvm/pkg/kv/etcd"
	_ "github.com/innogames/igvm/pkg/kv/mock"
	"github.com/innogames/igvm/pkg/run"
	"github.com/innogames/igvm/pkg/sd"
)

type metricsContext struct {
	sink    *mapsink.MapSink
	metrics *metrics.Metrics
	mmw     *mmw.Middleware
}

func main() {
	var port uint
	var kvAddr, bstalk, logLevel, statsd, vg, sshUser, sshKey string

	flag.UintVarP(&port, "port", "p", 18200, "listen port")
	flag.StringVarP(&kvAddr, "kv", "k", "http://localhost:2379", "address of kv machine")
	flag.StringVarP(&bstalk, "beanstalk", "b", "127.0.0.1:11300", "address of beanstalkd server")
	flag.StringVarP(&logLevel, "log-level", "l", "warn", "log level")
	flag.StringVarP(&statsd, "statsd", "s", "", "statsd address")
	flag.StringVar(&vg, "vg", igvm.DefaultVolumeGroup, "volume group backing VM disks")
	flag.StringVar(&sshUser, "ssh-user", "root", "fallback ssh user for hypervisor commands")
	flag.StringVar(&sshKey, "ssh-key", os.ExpandEnv("$HOME/.ssh/id_ed25519"), "ssh key for hypervisor commands")
	flag.Parse()

	setupLogging(logLevel)

	store, err := kv.New(kvAddr)
	if err != nil {
		log.WithFields(log.Fields{
			"addr":  kvAddr,
			"error": err,
			"func":  "kv.New",
		}).Fatal("unable to connect to kv")
	}

	ctx := igvm.NewContext(store)

	log.WithField("address", bstalk).Info("connecting to beanstalk")
	bstalkAddr, err := hostport.WithDefault(bstalk, "11300")
	if err != nil {
		log.WithFields(log.Fields{
			"address": bstalk,
			"error":   err,
		}).Fatal("invalid beanstalk address")
	}
	jobQueue, err := jobqueue.NewClient(bstalkAddr, store)
	if err != nil {
		log.WithFields(log.Fields{
			"address": bstalkAddr,
			"error":   err,
			"func":    "jobqueue.NewClient",
		}).Fatal("failed to create jobqueue client")
	}

	runners := sshRunners(sshUser, sshKey)
	orc := igvm.NewOrchestrator(ctx, igvm.LibvirtResolver(runners, vg), runners)

	mctx := setupMetrics(statsd)

	worker := newWorker(jobQueue, ctx, orc, mctx.metrics)
	worker.Start()

	server := Run(port, ctx, jobQueue, mctx)

	if err := sd.Notify("READY=1"); err != nil {
		log.WithField("error", err).Info("sd notify failed, not running under systemd")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	_ = sd.Notify("STOPPING=1")
	server.Stop(server.Timeout)
	<-server.StopChan()
	worker.Stop()
}

func setupLogging(logLevel string) {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
			"level": logLevel,
		}).Fatal("unable to set up logrus")
	}
	log.SetLevel(level)
	log.SetFormatter(&log.JSONFormatter{})
}

// sshRunners resolves a command runner per hypervisor, preferring the
// hypervisor's configured ssh user over the daemon-wide fallback
func sshRunners(fallbackUser, keyPath string) igvm.RunnerResolver {
	return func(h *igvm.Hypervisor) (run.Runner, error) {
		user := h.SSHUser
		if user == "" {
			user = fallbackUser
		}
		return run.NewSSHRunner(h.Hostname, user, keyPath)
	}
}

func setupMetrics(statsd string) *metricsContext {
	sink := mapsink.New()
	fanout := metrics.FanoutSink{sink}

	if statsd != "" {
		ss, err := metrics.NewStatsdSink(statsd)
		if err != nil {
			log.WithFields(log.Fields{
				"address": statsd,
				"error":   err,
			}).Fatal("unable to set up statsd sink")
		}
		fanout = append(fanout, ss)
	}

	conf := metrics.DefaultConfig("igvmd")
	conf.EnableHostname = false
	m, _ := metrics.New(conf, fanout)

	return &metricsContext{
		sink:    sink,
		metrics: m,
		mmw:     mmw.New(m),
	}
}
