package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	roomdirectory "github.com/matrix-org/room-directory"
	"github.com/matrix-org/room-directory/client"
	"github.com/matrix-org/room-directory/directory"
	"github.com/matrix-org/room-directory/internal"
	"github.com/matrix-org/room-directory/listing"
	"github.com/matrix-org/room-directory/pubsub"
	"github.com/matrix-org/room-directory/resolver"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var GitCommit string

const version = "0.1.0"

const (
	EnvServer        = "ROOMDIR_SERVER"
	EnvServerName    = "ROOMDIR_SERVER_NAME"
	EnvAccessToken   = "ROOMDIR_ACCESS_TOKEN"
	EnvBindAddr      = "ROOMDIR_BINDADDR"
	EnvPrometheus    = "ROOMDIR_PROM"
	EnvOTLP          = "ROOMDIR_OTLP_URL"
	EnvOTLPUsername  = "ROOMDIR_OTLP_USERNAME"
	EnvOTLPPassword  = "ROOMDIR_OTLP_PASSWORD"
	EnvSentryDsn     = "ROOMDIR_SENTRY_DSN"
	EnvPickerServers = "ROOMDIR_PICKER_SERVERS"
	EnvPageLimit     = "ROOMDIR_PAGE_LIMIT"
	EnvPProf         = "ROOMDIR_PPROF"
	EnvLogLevel      = "ROOMDIR_LOG_LEVEL"
)

var helpMsg = fmt.Sprintf(`
Environment var
%s     Required. The destination homeserver to talk to (CS API HTTPS URL) e.g 'https://matrix-client.matrix.org' (Supports unix socket: /path/to/socket)
%s  Default: the homeserver's own directory. The homeserver's server name, used to offer its bridged networks in the server picker.
%s Required. The access token to make directory requests and joins with.
%s     Default: 0.0.0.0:8844. The interface and port to listen on.
%s       Default: unset. The bind addr for Prometheus metrics, which will be accessible at /metrics at this address.
%s   Default: unset. The OTLP HTTP URL to send spans to e.g https://localhost:4318 - if unset does not send OTLP traces.
%s Default: unset. The OTLP username for Basic auth. If unset, does not send an Authorization header.
%s Default: unset. The OTLP password for Basic auth. If unset, does not send an Authorization header.
%s Default: unset. The Sentry DSN to report events to e.g https://room-directory@sentry.example.com/123 - if unset does not send sentry events.
%s Default: unset. Comma separated homeservers offered by the server picker e.g 'matrix.org,example.org'.
%s  Default: 20. The number of rooms to fetch per page.
%s      Default: unset. The bind addr for pprof debugging e.g ':6060'. If not set, does not listen.
%s  Default: info. The level of verbosity for messages logged. Available values are trace, debug, info, warn, error and fatal
`, EnvServer, EnvServerName, EnvAccessToken, EnvBindAddr, EnvPrometheus, EnvOTLP, EnvOTLPUsername, EnvOTLPPassword,
	EnvSentryDsn, EnvPickerServers, EnvPageLimit, EnvPProf, EnvLogLevel)

var (
	flagServer        = flag.String("server", os.Getenv(EnvServer), "The destination homeserver. Overrides "+EnvServer)
	flagServerName    = flag.String("server-name", os.Getenv(EnvServerName), "The homeserver's server name. Overrides "+EnvServerName)
	flagAccessToken   = flag.String("token", os.Getenv(EnvAccessToken), "The access token. Overrides "+EnvAccessToken)
	flagBindAddr      = flag.String("bind", envOr(EnvBindAddr, "0.0.0.0:8844"), "Bind address. Overrides "+EnvBindAddr)
	flagPrometheus    = flag.String("prom", os.Getenv(EnvPrometheus), "Prometheus bind address. Overrides "+EnvPrometheus)
	flagOTLP          = flag.String("otlp", os.Getenv(EnvOTLP), "OTLP HTTP URL. Overrides "+EnvOTLP)
	flagSentryDsn     = flag.String("sentry", os.Getenv(EnvSentryDsn), "Sentry DSN. Overrides "+EnvSentryDsn)
	flagPickerServers = flag.String("picker-servers", os.Getenv(EnvPickerServers), "Comma separated homeservers for the server picker. Overrides "+EnvPickerServers)
	flagPageLimit     = flag.String("limit", envOr(EnvPageLimit, "20"), "Rooms per page. Overrides "+EnvPageLimit)
	flagPProf         = flag.String("pprof", os.Getenv(EnvPProf), "pprof bind address. Overrides "+EnvPProf)
	flagLogLevel      = flag.String("log-level", envOr(EnvLogLevel, "info"), "Log level. Overrides "+EnvLogLevel)
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	fmt.Printf("Room Directory v%s (%s)\n", version, GitCommit)
	roomdirectory.Version = fmt.Sprintf("%s (%s)", version, GitCommit)
	client.ProxyVersion = version
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprint(flag.CommandLine.Output(), helpMsg)
	}
	flag.Parse()

	if *flagServer == "" || *flagAccessToken == "" {
		flag.Usage()
		os.Exit(1)
	}
	pageLimit, err := strconv.Atoi(*flagPageLimit)
	if err != nil || pageLimit <= 0 {
		fmt.Fprintf(os.Stderr, "%s must be a positive integer, got %q\n", EnvPageLimit, *flagPageLimit)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(*flagLogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %s\n", *flagLogLevel, err)
		os.Exit(1)
	}
	zerolog.SetGlobalLevel(level)

	if *flagSentryDsn != "" {
		fmt.Printf("Configuring Sentry reporter...\n")
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     *flagSentryDsn,
			Release: version,
		})
		if err != nil {
			panic(err)
		}
	}

	if *flagPProf != "" {
		go func() {
			fmt.Printf("Starting pprof listener on %s\n", *flagPProf)
			if err := http.ListenAndServe(*flagPProf, nil); err != nil {
				panic(err)
			}
		}()
	}
	var metrics *listing.Metrics
	if *flagPrometheus != "" {
		metrics = listing.NewMetrics()
		go func() {
			srv := http.NewServeMux()
			srv.Handle("/metrics", promhttp.Handler())
			fmt.Printf("Starting prometheus listener on %s\n", *flagPrometheus)
			if err := http.ListenAndServe(*flagPrometheus, srv); err != nil {
				panic(err)
			}
		}()
	}
	if *flagOTLP != "" {
		fmt.Printf("Configuring OTLP to %s\n", *flagOTLP)
		if err := internal.ConfigureOTLP(internal.OTLPConfig{
			URL:      *flagOTLP,
			Username: os.Getenv(EnvOTLPUsername),
			Password: os.Getenv(EnvOTLPPassword),
			Version:  version,
		}); err != nil {
			panic(err)
		}
	}

	hsClient := client.NewHTTPClient(*flagServer, 30*time.Second)
	userID, deviceID, err := hsClient.WhoAmI(context.Background(), *flagAccessToken)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to look up the owner of the access token: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("Browsing the room directory as %s (%s)\n", userID, deviceID)
	pool := internal.NewWorkerPool(8)
	pool.Start()
	cache := listing.NewPageCache(30 * time.Second)

	source := listing.NewPublicRoomsSource(hsClient, listing.Opts{
		AccessToken: *flagAccessToken,
		Pool:        pool,
		Cache:       cache,
		Metrics:     metrics,
		Limit:       pageLimit,
	})
	res := resolver.NewResolver(userID, hsClient)
	joiner := &client.Joiner{
		Client:      hsClient,
		AccessToken: *flagAccessToken,
		Pool:        pool,
		Timeout:     30 * time.Second,
		OnJoined:    res.Joined,
	}
	var pickerServers []string
	for _, s := range strings.Split(*flagPickerServers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			pickerServers = append(pickerServers, s)
		}
	}
	picker := directory.NewServerPicker(pickerServers, &listing.ProtocolLister{
		Client:      hsClient,
		AccessToken: *flagAccessToken,
		OwnServer:   *flagServerName,
	})

	var notifier pubsub.Notifier
	ps := pubsub.NewPubSub(100)
	notifier = ps
	if metrics != nil {
		notifier = pubsub.NewPromNotifier(ps, "controller")
	}
	controller := directory.NewController(source, res, joiner, picker, notifier)
	view := roomdirectory.NewViewRecorder(hsClient, controller.Sections)
	sub := directory.NewSub(ps, view)
	go func() {
		if err := sub.Listen(); err != nil {
			panic(err)
		}
	}()
	controller.Process(directory.LoadData{})

	go roomdirectory.RunServer(&roomdirectory.API{
		Controller: controller,
		Picker:     picker,
		View:       view,
	}, *flagBindAddr)
	WaitForShutdown(func() {
		controller.Teardown()
		source.Close()
		cache.Stop()
		sentry.Flush(time.Second * 5)
	})
}

func WaitForShutdown(teardown func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	fmt.Printf("Shutdown signal received...")
	teardown()
	fmt.Printf("exiting now")
}
