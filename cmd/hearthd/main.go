package main

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/hearth-im/hearth"
	"github.com/hearth-im/hearth/fclient"
	"github.com/hearth-im/hearth/federationapi"
	"github.com/hearth-im/hearth/roomserver"
	"github.com/hearth-im/hearth/spec"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "hearth.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	localKey, err := LoadOrGenerateKey(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load signing key")
	}

	keyDB := hearth.NewMemoryKeyDatabase()
	seedOwnKey(keyDB, localKey, cfg.KeyValidity)
	keyRing := &hearth.KeyRing{
		KeyFetchers: []hearth.KeyFetcher{
			&hearth.DirectKeyFetcher{
				Client: fclient.NewKeyClient(
					fclient.WithDNSCache(fclient.NewDNSCache(256, 5*time.Minute)),
				),
			},
		},
		KeyDatabase: keyDB,
	}

	inputer := &roomserver.Inputer{
		Store:    roomserver.NewMemoryEventStore(),
		Rooms:    roomserver.NewMemoryRoomRegistry(),
		Verifier: keyRing,
		Notifier: roomserver.NotifierFunc(func(event *hearth.Event, _ hearth.StateSnapshot) {
			logrus.WithFields(logrus.Fields{
				"event_id": event.EventID(),
				"room_id":  event.RoomID(),
				"type":     event.Type(),
			}).Info("New event")
		}),
	}
	server := &federationapi.Server{
		ServerName:  cfg.ServerName,
		LocalKey:    localKey,
		KeyValidity: cfg.KeyValidity,
		Verifier:    keyRing,
		Processor: &federationapi.TransactionProcessor{
			Inputer: inputer,
			Rooms:   inputer.Rooms,
			EDUs:    federationapi.DefaultEDUHandlers(),
		},
	}

	logrus.WithFields(logrus.Fields{
		"server_name": cfg.ServerName,
		"listen":      cfg.Listen,
		"key_id":      localKey.KeyID,
	}).Info("Starting hearthd")
	if err := http.ListenAndServe(cfg.Listen, server.Routes()); err != nil {
		logrus.WithError(err).Fatal("Listener failed")
	}
}

// seedOwnKey caches this server's own verify key so that loopback
// requests never go out to the network.
func seedOwnKey(db *hearth.MemoryKeyDatabase, key *hearth.LocalKey, validity time.Duration) {
	req := hearth.PublicKeyLookupRequest{
		ServerName: key.ServerName,
		KeyID:      key.KeyID,
	}
	res := hearth.PublicKeyLookupResult{
		VerifyKey:    hearth.VerifyKey{Key: spec.Base64Bytes(key.PublicKey())},
		ValidUntilTS: spec.AsTimestamp(time.Now().Add(validity)),
	}
	if err := db.StoreKeys(context.Background(), map[hearth.PublicKeyLookupRequest]hearth.PublicKeyLookupResult{req: res}); err != nil {
		logrus.WithError(err).Fatal("Failed to seed local key")
	}
}
