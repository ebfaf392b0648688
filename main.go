package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"peerxfer/config"
	"peerxfer/crypto"
	"peerxfer/discovery"
	"peerxfer/network"
	"peerxfer/storage"
	"peerxfer/transfer"
)

const shutdownTimeout = 10 * time.Second

type flags struct {
	send  string
	peer  string
	list  bool
	limit int
}

func main() {
	var f flags
	flag.StringVar(&f.send, "send", "", "send this file to -peer and exit when the transfer ends")
	flag.StringVar(&f.peer, "peer", "", "device id of the receiving peer")
	flag.BoolVar(&f.list, "list", false, "print transfer history and exit")
	flag.IntVar(&f.limit, "limit", 50, "number of history rows printed by -list")
	flag.Parse()

	if f.send != "" && f.peer == "" {
		fmt.Fprintln(os.Stderr, "-send requires -peer")
		os.Exit(2)
	}

	if err := run(f); err != nil {
		logrus.WithError(err).Fatal("peerxfer stopped")
	}
}

func run(f flags) error {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	dataDir := filepath.Dir(cfgPath)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("Database close failed")
		}
	}()
	store.SetLogger(log)
	store.SetHistoryRetention(cfg.HistoryRetention.Std())

	if f.list {
		return printHistory(os.Stdout, store, f.limit)
	}

	identity, err := crypto.LoadOrCreateIdentity(cfg.IdentityKeyPath)
	if err != nil {
		return fmt.Errorf("prepare identity key: %w", err)
	}
	if n, err := store.MarkInterrupted("interrupted by restart"); err != nil {
		log.WithError(err).Warn("Failed to mark interrupted transfers")
	} else if n > 0 {
		log.WithField("count", n).Info("Marked unfinished transfers from the last run as failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scanner, err := discovery.NewScanner(discovery.Config{
		SelfDeviceID: cfg.DeviceID,
		Logger:       log,
	})
	if err != nil {
		log.WithError(err).Warn("Discovery unavailable; only static peers can be reached")
	}

	resolvers := network.MultiResolver{network.StaticResolver(cfg.StaticPeers)}
	if scanner != nil {
		resolvers = append(resolvers, scanner)
	}

	offers := make(chan network.Offer, 16)
	transport, err := network.NewTransport(network.Options{
		Identity: network.LocalIdentity{
			DeviceID:   cfg.DeviceID,
			DeviceName: cfg.DeviceName,
			Keys:       identity,
		},
		ListenAddress:   fmt.Sprintf(":%d", cfg.ListeningPort),
		Resolver:        resolvers,
		KeyLookup:       store.PinnedKey,
		ChunkSize:       cfg.FileChunkSize,
		MaxChunkRetries: cfg.MaxChunkRetries,
		ResponseTimeout: cfg.ResponseTimeout.Std(),
		OnOffer: func(offer network.Offer) {
			select {
			case offers <- offer:
			case <-ctx.Done():
			}
		},
		OnPeer: func(peer network.PeerInfo) {
			rememberPeer(log, store, peer)
		},
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	services := &discovery.Service{Scanner: scanner}
	if scanner != nil {
		scanner.Start()
		broadcaster, err := discovery.StartBroadcaster(discovery.Config{
			SelfDeviceID:   cfg.DeviceID,
			DeviceName:     cfg.DeviceName,
			ListeningPort:  transport.Port(),
			KeyFingerprint: identity.Fingerprint(),
			Logger:         log,
		})
		if err != nil {
			log.WithError(err).Warn("mDNS advertisement failed")
		}
		services.Broadcaster = broadcaster
	}

	engine := transfer.NewEngine(transport, transfer.EngineOptions{
		MonitorInterval:   cfg.MonitorInterval.Std(),
		MaxProgressErrors: cfg.MaxProgressErrors,
		SubscriberBuffer:  cfg.SubscriberBuffer,
		Logger:            log,
	})
	recorder := storage.NewHistoryRecorder(store, engine)
	engine.Subscribe(recorder.Handle)
	engine.Subscribe(func(ev transfer.Event) { logTransferEvent(log, ev) })

	log.WithFields(logrus.Fields{
		"device_id":   cfg.DeviceID,
		"device_name": cfg.DeviceName,
		"port":        transport.Port(),
		"fingerprint": identity.Fingerprint(),
		"config":      cfgPath,
		"database":    dbPath,
	}).Info("peerxfer running")

	a := &app{
		cfg:       cfg,
		log:       log,
		store:     store,
		engine:    engine,
		transport: transport,
		recorder:  recorder,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.serveOffers(gctx, offers)
		return nil
	})
	if scanner != nil {
		g.Go(func() error {
			a.persistDiscovery(gctx, scanner.Events())
			return nil
		})
	}
	if f.send != "" {
		g.Go(func() error {
			defer stop()
			return a.sendFile(gctx, f.send, f.peer)
		})
	}

	<-gctx.Done()
	stop()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Engine shutdown incomplete")
	}
	if err := transport.Close(); err != nil {
		log.WithError(err).Warn("Transport close failed")
	}
	services.Stop()

	return g.Wait()
}

func newLogger(cfg *config.DeviceConfig) (*logrus.Entry, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logrus.NewEntry(logger).WithField("device_id", cfg.DeviceID), nil
}

type app struct {
	cfg       *config.DeviceConfig
	log       *logrus.Entry
	store     *storage.Store
	engine    *transfer.Engine
	transport *network.Transport
	recorder  *storage.HistoryRecorder
}

// serveOffers applies the accept policy to incoming offers until ctx ends.
func (a *app) serveOffers(ctx context.Context, offers <-chan network.Offer) {
	for {
		select {
		case <-ctx.Done():
			return
		case offer := <-offers:
			a.handleOffer(ctx, offer)
		}
	}
}

func (a *app) handleOffer(ctx context.Context, offer network.Offer) {
	log := a.log.WithFields(logrus.Fields{
		"function":    "handleOffer",
		"transfer_id": offer.ID,
		"peer_id":     offer.PeerID,
		"file":        offer.Filename,
		"size":        humanize.Bytes(uint64(offer.Size)),
	})

	if !a.cfg.AutoAccept {
		log.Info("Declining offer; auto-accept is disabled")
		if err := a.transport.Reject(ctx, offer.ID, "receiver is not accepting transfers"); err != nil {
			log.WithError(err).Warn("Failed to decline offer")
		}
		return
	}

	savePath, err := downloadPath(a.cfg.DownloadDir, offer.Filename)
	if err != nil {
		log.WithError(err).Warn("No usable download path")
		_ = a.transport.Reject(ctx, offer.ID, "receiver cannot store the file")
		return
	}

	if err := a.engine.Accept(ctx, offer.ID, savePath, transfer.WithPeer(offer.PeerID)); err != nil {
		log.WithError(err).Warn("Accept failed")
		return
	}
	a.save(offer.ID)
	log.WithField("path", savePath).Info("Receiving file")
}

// sendFile initiates one transfer and waits for it to end.
func (a *app) sendFile(ctx context.Context, path, peerID string) error {
	done := make(chan transfer.Event, 1)
	var id string
	idSet := make(chan struct{})
	token := a.engine.Subscribe(func(ev transfer.Event) {
		<-idSet
		if ev.TransferID == id && ev.Status.IsTerminal() {
			select {
			case done <- ev:
			default:
			}
		}
	})
	defer a.engine.Unsubscribe(token)

	var err error
	id, err = a.engine.Initiate(ctx, path, peerID)
	close(idSet)
	if err != nil {
		return fmt.Errorf("send %s: %w", filepath.Base(path), err)
	}
	a.save(id)

	select {
	case ev := <-done:
		if ev.Status != transfer.StatusCompleted {
			return fmt.Errorf("transfer %s %s: %s", id, ev.Status, ev.Err)
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (a *app) save(id string) {
	rec, err := a.engine.Get(id)
	if err != nil {
		return
	}
	if err := a.recorder.Save(rec); err != nil {
		a.log.WithField("transfer_id", id).WithError(err).Warn("Failed to persist transfer")
	}
}

// persistDiscovery records every peer seen on the local network.
func (a *app) persistDiscovery(ctx context.Context, events <-chan discovery.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Type != discovery.EventPeerUpserted {
				a.log.WithField("peer_id", event.Peer.DeviceID).Debug("Peer left the network")
				continue
			}
			peer := storage.Peer{
				DeviceID:   event.Peer.DeviceID,
				DeviceName: event.Peer.DeviceName,
			}
			seen := event.Peer.LastSeen.UnixMilli()
			peer.LastSeenTimestamp = &seen
			if len(event.Peer.Addresses) > 0 {
				address, port := event.Peer.Addresses[0], event.Peer.Port
				peer.LastKnownAddress = &address
				peer.LastKnownPort = &port
			}
			if err := a.store.UpsertPeer(peer); err != nil {
				a.log.WithError(err).Warn("Failed to persist discovered peer")
			}
		}
	}
}

func rememberPeer(log *logrus.Entry, store *storage.Store, info network.PeerInfo) {
	peer := storage.Peer{
		DeviceID:         info.DeviceID,
		DeviceName:       info.DeviceName,
		Ed25519PublicKey: info.PublicKey,
	}
	if key, err := crypto.ParsePublicKey(info.PublicKey); err == nil {
		peer.KeyFingerprint = crypto.Fingerprint(key)
	}
	now := time.Now().UnixMilli()
	peer.LastSeenTimestamp = &now
	if host, _, err := net.SplitHostPort(info.Address); err == nil {
		peer.LastKnownAddress = &host
	}
	if err := store.UpsertPeer(peer); err != nil {
		log.WithError(err).Warn("Failed to persist peer")
	}
}

func logTransferEvent(log *logrus.Entry, ev transfer.Event) {
	entry := log.WithFields(logrus.Fields{
		"transfer_id": ev.TransferID,
		"peer_id":     ev.PeerID,
		"direction":   ev.Direction.String(),
		"status":      ev.Status.String(),
		"progress":    fmt.Sprintf("%s / %s", humanize.Bytes(uint64(ev.BytesTransferred)), humanize.Bytes(uint64(ev.TotalSize))),
	})
	if ev.Err != "" {
		entry.WithField("error", ev.Err).Warn("Transfer updated")
		return
	}
	entry.Info("Transfer updated")
}

// downloadPath picks a free destination for filename inside dir. The name
// from the peer is reduced to its base to keep writes inside dir.
func downloadPath(dir, filename string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(filename, "\\", "/")))
	if base == "/" || base == "." || base == "" {
		return "", errors.New("offer has no usable file name")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	candidate := filepath.Join(dir, base)
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		} else if err != nil {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}
}
