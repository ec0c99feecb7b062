package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yatego/yatego"
)

func main() {
	host := flag.String("host", "127.0.0.1", "Yate engine host")
	port := flag.Int("port", 5039, "Yate extmodule port")
	sounds := flag.String("sounds", "/var/spool/yatego/sounds", "Directory with wav prompts")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(zerolog.InfoLevel)

	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		log.Logger = log.Logger.Level(lvl)
	}

	e, err := yatego.New(*port,
		yatego.WithHost(*host),
		yatego.WithLogger(log.Logger),
		yatego.WithAllowUnregistered(),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Fail to setup engine")
	}

	e.OnConnected(func() {
		log.Info().Msg("Session established, waiting for calls")
	})
	e.OnDisconnected(func(err error) {
		log.Warn().Err(err).Msg("Lost the engine, reconnecting")
	})
	e.OnError(func(err error) {
		log.Error().Err(err).Msg("Engine error")
	})

	e.OnIncomingCall(func(ch *yatego.Channel, call yatego.IncomingCall) {
		clog := log.With().Str("chan", ch.ID()).Str("caller", call.Caller).Logger()
		clog.Info().Str("called", call.Called).Msg("Incoming call")

		ivr, err := ch.RouteToIVR()
		if err != nil {
			clog.Error().Err(err).Msg("Fail to route call")
			return
		}

		ivr.OnDTMF(func(text string) {
			clog.Info().Str("digit", text).Msg("DTMF received")
			switch text {
			case "1":
				ivr.Play(*sounds + "/option-one.wav")
			case "2":
				ivr.Play(*sounds + "/option-two.wav")
			case "#":
				ch.Terminate(yatego.Cause{Code: 200, Text: "Normal call clearing"})
			default:
				ivr.Play(*sounds + "/invalid-option.wav")
			}
		})

		ivr.Play(*sounds + "/welcome.wav")
		ivr.Play(*sounds + "/menu.wav")

		ch.OnEnd(func(cause yatego.Cause) {
			clog.Info().Stringer("cause", cause).Dur("duration", ch.Duration()).Msg("Call ended")
		})
	})

	if err := e.Connect(); err != nil {
		log.Fatal().Err(err).Msg("Fail to connect")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("Shutting down")
	e.Destroy()
}
