package resolver

import (
	"context"
	"flag"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/arcfield/discovery/controller/watcher"
	"github.com/arcfield/discovery/pkg/admin"
	"github.com/arcfield/discovery/pkg/consul"
	"github.com/arcfield/discovery/pkg/flags"
	"github.com/arcfield/discovery/pkg/metadata"
	log "github.com/sirupsen/logrus"
)

// Main executes the resolver subcommand: it watches a set of applications in
// consul, reconciles their instances into per-service-key URL lists, and
// serves metrics on the admin port.
func Main(args []string) {
	cmd := flag.NewFlagSet("resolver", flag.ExitOnError)

	apps := cmd.String("apps", "", "comma-separated application names to watch")
	serviceKeys := cmd.String("service-keys", "", "comma-separated service keys to subscribe and log")
	consulAddr := cmd.String("consul-addr", "127.0.0.1:8500", "address of the consul agent")
	consulDatacenter := cmd.String("consul-datacenter", "", "consul datacenter to query")
	etcdAddr := cmd.String("etcd-addr", "127.0.0.1:2379", "comma-separated etcd endpoints backing the metadata report")
	metadataPrefix := cmd.String("metadata-prefix", "/discovery/metadata", "etcd key prefix the metadata report publishes under")
	cluster := cmd.String("cluster", "default", "registry cluster stamped on instances that carry none")
	fetchTimeout := cmd.Duration("fetch-timeout", 5*time.Second, "timeout for a single metadata fetch")
	metricsAddr := cmd.String("metrics-addr", ":9990", "address to serve scrapable metrics on")

	flags.ConfigureAndParse(cmd, args)

	if *apps == "" {
		log.Fatal("at least one application name is required (-apps)")
	}
	appNames := splitList(*apps)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	source, err := consul.NewSource(consul.Config{
		Address:    *consulAddr,
		Datacenter: *consulDatacenter,
	})
	if err != nil {
		log.Fatalf("Failed to initialize consul source: %s", err)
	}

	// List each watched application once before watching: a bad agent
	// address or ACL token fails here instead of inside the watch loops.
	listCtx, cancelList := context.WithTimeout(context.Background(), 10*time.Second)
	for _, app := range appNames {
		instances, err := source.Instances(listCtx, app)
		if err != nil {
			log.Fatalf("Failed to list instances of %s: %s", app, err)
		}
		log.Infof("consul reports %d instances of %s", len(instances), app)
	}
	cancelList()

	broker, err := metadata.NewEtcdFetcher(splitList(*etcdAddr), *metadataPrefix, *fetchTimeout)
	if err != nil {
		log.Fatalf("Failed to initialize metadata report client: %s", err)
	}
	defer broker.Close()

	fetcher := metadata.NewSelectorFetcher(broker, metadata.NewHTTPFetcher(*fetchTimeout), *cluster)

	listener := watcher.NewInstancesListener(appNames, source, fetcher)
	for _, serviceKey := range splitList(*serviceKeys) {
		listener.Subscribe(serviceKey, &loggingListener{serviceKey: serviceKey})
	}

	source.AddListener(listener)

	go admin.StartServer(*metricsAddr, source.Ready)

	<-stop

	log.Info("shutting down resolver")
	source.Stop()
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// loggingListener logs every published address list for one service key.
type loggingListener struct {
	serviceKey string
}

func (l *loggingListener) Update(urls []*url.URL) {
	addresses := make([]string, 0, len(urls))
	for _, u := range urls {
		addresses = append(addresses, u.String())
	}
	log.Infof("addresses for %s: %v", l.serviceKey, addresses)
}
