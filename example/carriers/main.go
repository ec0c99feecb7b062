package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/yatego/yatego"
)

// A small PBX: registers against upstream carriers, authenticates local
// users with digest and bridges their calls out through the first
// carrier that is online.
func main() {
	host := flag.String("host", "127.0.0.1", "Yate engine host")
	port := flag.Int("port", 5039, "Yate extmodule port")
	httpAddr := flag.String("http", ":8080", "Metrics and health endpoint")
	trunks := flag.String("trunks", "", "Comma separated user:pass@host carrier lines")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("LOG_DEBUG") != "" {
		log.SetLevel(logrus.DebugLevel)
	}

	// Static local accounts. A real deployment reads these from a
	// database or config file.
	accounts := map[string]string{
		"alice": "alicepass",
		"bob":   "bobpass",
	}

	e, err := yatego.New(*port,
		yatego.WithHost(*host),
		yatego.WithAuthenticator(&yatego.DigestAuthenticator{
			Password: func(username string) (string, bool) {
				password, ok := accounts[username]
				return password, ok
			},
		}),
	)
	if err != nil {
		log.WithError(err).Fatal("Fail to setup engine")
	}

	e.OnConnected(func() {
		log.Info("Session established")
	})
	e.OnCarrierOnline(func(c *yatego.Carrier) {
		log.WithField("carrier", c.LineID()).Info("Carrier online")
	})
	e.OnCarrierOffline(func(c *yatego.Carrier) {
		log.WithField("carrier", c.LineID()).Warn("Carrier offline")
	})
	e.OnUserRegister(func(u *yatego.User) {
		log.WithFields(logrus.Fields{"user": u.Username, "host": u.Host()}).Info("User registered")
	})
	e.OnUserExpired(func(u *yatego.User) {
		log.WithField("user", u.Username).Info("Registration expired")
	})
	e.OnError(func(err error) {
		log.WithError(err).Error("Engine error")
	})

	e.OnIncomingCall(func(ch *yatego.Channel, call yatego.IncomingCall) {
		clog := log.WithFields(logrus.Fields{"chan": ch.ID(), "caller": call.Caller, "called": call.Called})

		// Local extension first, trunk second.
		if route := e.GetLocalRoute(call.Caller, call.Called); route != nil {
			clog.Info("Routing to local user")
			ch.RouteToDestination(&yatego.Destination{Routes: []*yatego.Route{route}})
			return
		}

		for _, c := range e.Carriers() {
			if !c.Active() {
				continue
			}
			clog.WithField("carrier", c.Host).Info("Routing out")
			ch.RouteToDestination(&yatego.Destination{
				Routes: []*yatego.Route{{Host: c.Host, Port: c.Port, Line: c.LineID()}},
			})
			return
		}

		clog.Warn("No route, rejecting")
		ch.Terminate(yatego.Cause{Code: 503, Text: "Service Unavailable"})
	})

	if err := e.Connect(); err != nil {
		log.WithError(err).Fatal("Fail to connect")
	}
	if err := e.SetCarriers(parseTrunks(*trunks)); err != nil {
		log.WithError(err).Fatal("Fail to configure carriers")
	}

	go httpServer(log, *httpAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	<-ctx.Done()

	log.Info("Shutting down")
	e.Destroy()
}

// parseTrunks turns "user:pass@host,user2:pass2@host2" into carriers.
func parseTrunks(s string) []*yatego.Carrier {
	var carriers []*yatego.Carrier
	for _, line := range strings.Split(s, ",") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		creds, host, ok := strings.Cut(line, "@")
		if !ok {
			continue
		}
		user, pass, _ := strings.Cut(creds, ":")
		carriers = append(carriers, &yatego.Carrier{
			Host:     host,
			Username: user,
			Password: pass,
		})
	}
	return carriers
}

func httpServer(log *logrus.Logger, address string) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("Alive"))
	})

	log.WithField("addr", address).Info("Http server started")
	if err := http.ListenAndServe(address, nil); err != nil {
		log.WithError(err).Error("Http server stopped")
	}
}
