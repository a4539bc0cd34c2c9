// Command veloce-ut runs a Veloce process with the ETSI Uppertester
// conformance listener enabled, for driving against an external
// conformance test harness.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/veloce/veloce/gnet"
	"github.com/veloce/veloce/runtime"
	"github.com/veloce/veloce/security"
	"github.com/veloce/veloce/security/crypto"
)

func main() {
	cfg := runtime.DefaultConfig()
	cfg.Conformance.Enabled = true

	var (
		logLevel   string
		configPath string
		lat        float64
		lon        float64
		stationID  uint
	)

	flag.StringVar(&logLevel, "loglevel", "info", "Set a log level. Can be: debug, info, warning, error")
	flag.StringVar(&configPath, "config", "", "Path to a YAML config file overlaying the defaults")
	flag.UintVar(&stationID, "station-id", 1, "This station's GeoNetworking StationID")
	flag.StringVar(&cfg.Link.Kind, "link-kind", "udp", "Link driver kind: udp or pcap")
	flag.StringVar(&cfg.Link.ListenAddr, "link-listen", ":5000", "UDP link listen address")
	flag.StringVar(&cfg.Link.DestAddr, "link-dest", "255.255.255.255:5000", "UDP link destination address")
	flag.StringVar(&cfg.Conformance.ListenAddr, "ut-listen", runtime.DefaultConfig().Conformance.ListenAddr, "Uppertester UDP listen address")
	flag.BoolVar(&cfg.Metrics.Enabled, "metrics", false, "Enable the Prometheus metrics exporter")
	flag.StringVar(&cfg.Metrics.ListenAddr, "metrics-listen", ":9100", "Prometheus metrics listen address")
	flag.Float64Var(&lat, "lat", 48.7758, "Initial latitude in degrees")
	flag.Float64Var(&lon, "lon", 9.1829, "Initial longitude in degrees")
	flag.Parse()
	cfg.StationID = uint32(stationID)

	switch logLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("Unrecognized log level: %v", logLevel)
	}

	if configPath != "" {
		loaded, err := runtime.ReadConfig(configPath)
		if err != nil {
			log.Fatalf("Reading config %s: %v", configPath, err)
		}
		loaded.Conformance.Enabled = true
		cfg = *loaded
	}

	store := security.NewStore()
	signingKey, err := bootstrapChain(store, cfg.Security.AID)
	if err != nil {
		log.Fatalf("Bootstrapping security chain: %v", err)
	}
	backend := crypto.NewSoftware()

	position := func() gnet.LongPositionVector {
		return gnet.LongPositionVector{
			Timestamp:        gnet.TimestampFromTime(time.Now()),
			Latitude:         int32(lat * 1e7),
			Longitude:        int32(lon * 1e7),
			PositionAccurate: true,
		}
	}

	p, err := runtime.NewProcess(cfg, position, backend, store, signingKey)
	if err != nil {
		log.Fatalf("Constructing process: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigStop := make(chan os.Signal, 1)
	signal.Notify(sigStop, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	select {
	case <-sigStop:
		log.Warning("Graceful shutdown")
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			log.Errorf("Process exited: %v", err)
		}
	}
}

// bootstrapChain generates an ephemeral self-signed Root -> AA -> AT
// certificate chain and installs it as the station's own chain, mirroring
// security/wrapper_test.go's buildTestChain helper. A conformance run has
// no PKI enrollment step to obtain a real chain from, so the harness
// manufactures its own trust anchor for every invocation.
func bootstrapChain(store *security.Store, aid uint32) (crypto.PrivateKeyHandle, error) {
	now := time.Now()

	_, rootPub, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	root := security.Certificate{
		Type:      security.CertRoot,
		NotBefore: now.Add(-24 * time.Hour),
		NotAfter:  now.Add(365 * 24 * time.Hour),
		PublicKey: rootPub,
	}
	root.Raw = security.EncodeCertificate(root)
	store.InsertRoot(root)

	_, aaPub, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	aa := security.Certificate{
		Type:      security.CertAuthorizationAuthority,
		Issuer:    root.HashedId8(),
		NotBefore: now.Add(-12 * time.Hour),
		NotAfter:  now.Add(180 * 24 * time.Hour),
		PublicKey: aaPub,
	}
	aa.Raw = security.EncodeCertificate(aa)
	if err := store.Insert(aa); err != nil {
		return nil, err
	}

	atKey, atPub, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	at := security.Certificate{
		Type:      security.CertAuthorizationTicket,
		Issuer:    aa.HashedId8(),
		NotBefore: now.Add(-time.Hour),
		NotAfter:  now.Add(7 * 24 * time.Hour),
		AID:       []uint32{aid},
		PublicKey: atPub,
	}
	at.Raw = security.EncodeCertificate(at)
	if err := store.Insert(at); err != nil {
		return nil, err
	}
	if err := store.SetOwnChain(at, aa, root); err != nil {
		return nil, err
	}

	return atKey, nil
}
