package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"udpft/discovery"
	"udpft/files"
	"udpft/models"
	"udpft/network"
	"udpft/storage"
	"udpft/watch"
)

// transferFlags are shared by send and watch.
type transferFlags struct {
	to               string
	discover         bool
	scanTimeout      time.Duration
	payload          int
	window           int
	ackTimeout       time.Duration
	handshakeTimeout time.Duration
	attempts         int
	tos              int
	drop             float64
	corrupt          float64
	seed             int64
}

func (a *app) registerTransferFlags(fs *flag.FlagSet) *transferFlags {
	tf := &transferFlags{}
	fs.StringVar(&tf.to, "to", "", "receiver host:port, or a receiver name or node ID with -discover")
	fs.BoolVar(&tf.discover, "discover", false, "find the receiver with mDNS")
	fs.DurationVar(&tf.scanTimeout, "scan-timeout", discovery.DefaultScanTimeout, "mDNS scan window")
	fs.IntVar(&tf.payload, "payload", a.cfg.MaxPayload, "payload bytes per packet")
	fs.IntVar(&tf.window, "window", a.cfg.WindowSize, "go-back-N window size")
	fs.DurationVar(&tf.ackTimeout, "ack-timeout", a.cfg.AckTimeout(), "wait for an ACK before resending the window")
	fs.DurationVar(&tf.handshakeTimeout, "handshake-timeout", a.cfg.HandshakeTimeout(), "first handshake wait")
	fs.IntVar(&tf.attempts, "attempts", a.cfg.HandshakeAttempts(), "handshake attempts, 0 retries forever")
	fs.IntVar(&tf.tos, "tos", a.cfg.TOS, "IP TOS byte for outgoing datagrams")
	fs.Float64Var(&tf.drop, "drop", 0, "probability of dropping an outgoing datagram")
	fs.Float64Var(&tf.corrupt, "corrupt", 0, "probability of corrupting an outgoing datagram")
	fs.Int64Var(&tf.seed, "seed", 0, "fault injection seed, 0 picks one from the clock")
	return tf
}

// fault builds a fresh injector per transfer; injectors are not safe for
// concurrent use.
func (tf *transferFlags) fault(index int) (network.Fault, error) {
	return parseFaults(tf.drop, tf.corrupt, tf.seed, index)
}

func parseFaults(drop, corrupt float64, seed int64, index int) (network.Fault, error) {
	if drop < 0 || drop > 1 {
		return nil, fmt.Errorf("drop rate %v outside [0, 1]", drop)
	}
	if corrupt < 0 || corrupt > 1 {
		return nil, fmt.Errorf("corrupt rate %v outside [0, 1]", corrupt)
	}
	if drop == 0 && corrupt == 0 {
		return nil, nil
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return network.RandomFaults(drop, corrupt, seed+int64(index)), nil
}

// target is a resolved receiver.
type target struct {
	address    string
	maxPayload int
}

func (a *app) resolveTarget(ctx context.Context, tf *transferFlags) (target, error) {
	if !tf.discover {
		address := tf.to
		if address == "" {
			address = a.cfg.ServerAddress
		}
		return target{address: address}, nil
	}

	receivers, err := discovery.Lookup(ctx, discovery.Config{
		SelfNodeID:  a.cfg.NodeID,
		ScanTimeout: tf.scanTimeout,
	})
	if err != nil {
		return target{}, fmt.Errorf("discover receivers: %w", err)
	}
	for _, receiver := range receivers {
		if tf.to != "" && tf.to != receiver.Name && tf.to != receiver.NodeID {
			continue
		}
		a.logger.WithFields(logrus.Fields{
			"receiver": receiver.Name,
			"address":  receiver.Address(),
		}).Info("using discovered receiver")
		return target{address: receiver.Address(), maxPayload: receiver.MaxPayload}, nil
	}
	if tf.to != "" {
		return target{}, fmt.Errorf("no receiver named %q answered", tf.to)
	}
	return target{}, errors.New("no receiver answered")
}

func (a *app) sendFileOptions(tf *transferFlags, dest target, store *storage.Store) network.SendFileOptions {
	payload := tf.payload
	if dest.maxPayload > 0 {
		payload = min(payload, dest.maxPayload)
	}
	return network.SendFileOptions{
		Sender: network.SenderOptions{
			MaxPayload:           payload,
			WindowSize:           tf.window,
			AckTimeout:           tf.ackTimeout,
			HandshakeTimeout:     tf.handshakeTimeout,
			MaxHandshakeAttempts: tf.attempts,
		},
		Dial: network.DialOptions{
			TOS:        tf.tos,
			BufferSize: network.DatagramBufferSize(payload),
		},
		Store: store,
	}
}

func (a *app) sendOne(ctx context.Context, address, path string, options network.SendFileOptions) error {
	logger := a.logger.WithFields(logrus.Fields{"file": path, "receiver": address})
	options.Sender.Logger = logger
	options.Sender.OnProgress = func(p network.SendProgress) {
		logger.WithFields(logrus.Fields{
			"acked":           p.Acknowledged,
			"total":           p.TotalChunks,
			"retransmissions": p.Retransmissions,
		}).Debug("progress")
	}

	result, err := network.SendFile(ctx, address, path, options)
	if err != nil {
		return fmt.Errorf("send %s: %w", path, err)
	}
	fmt.Fprintf(a.stdout, "sent %s: %d bytes, %d packets, %d retransmissions, %s, blake2b %s\n",
		result.Filename, result.Bytes, result.Chunks, result.Retransmissions,
		result.Duration.Round(time.Millisecond), result.Digest)
	return nil
}

func (a *app) openStore() (*storage.Store, error) {
	store, _, err := storage.Open(a.dataDir)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func (a *app) closeStore(store *storage.Store) {
	if err := store.Close(); err != nil {
		a.logger.WithError(err).Warn("database close error")
	}
}

func (a *app) serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := fs.String("listen", a.cfg.ListenAddress, "UDP address to listen on")
	dir := fs.String("dir", a.cfg.ReceiveDir, "directory for received files")
	payload := fs.Int("payload", a.cfg.MaxPayload, "largest payload accepted per packet")
	maxSize := fs.Int64("max-size", a.cfg.MaxFileSize, "largest file accepted in bytes, 0 for no limit")
	idle := fs.Duration("idle", a.cfg.IdleTimeout(), "release sessions silent for this long")
	tos := fs.Int("tos", a.cfg.TOS, "IP TOS byte for replies")
	drop := fs.Float64("drop", 0, "probability of dropping an outgoing reply")
	corrupt := fs.Float64("corrupt", 0, "probability of corrupting an outgoing reply")
	seed := fs.Int64("seed", 0, "fault injection seed, 0 picks one from the clock")
	advertise := fs.Bool("advertise", a.cfg.DiscoveryEnabled, "advertise this receiver with mDNS")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fault, err := parseFaults(*drop, *corrupt, *seed, 0)
	if err != nil {
		return err
	}
	sinks, err := files.NewDirSinks(*dir)
	if err != nil {
		return err
	}
	store, dbPath, err := storage.Open(a.dataDir)
	if err != nil {
		return err
	}
	defer a.closeStore(store)

	server, err := network.Listen(*listen, network.ServerOptions{
		Sinks:       sinks,
		Store:       store,
		MaxPayload:  *payload,
		MaxFileSize: *maxSize,
		IdleTimeout: *idle,
		TOS:         *tos,
		ReplyFault:  fault,
		Logger:      a.logger,
		OnSessionClosed: func(report network.SessionReport) {
			a.logger.WithFields(logrus.Fields{
				"peer":     report.Peer,
				"file":     report.StoredPath,
				"status":   report.Status,
				"reason":   report.Reason,
				"bytes":    report.BytesWritten,
				"rejected": report.RejectedPackets,
				"digest":   report.Digest,
			}).Info("session closed")
		},
	})
	if err != nil {
		return err
	}

	a.logger.WithFields(logrus.Fields{
		"address":  server.Addr().String(),
		"dir":      sinks.Dir(),
		"database": dbPath,
	}).Info("receiver listening")

	if *advertise {
		broadcaster, err := discovery.StartBroadcaster(discovery.Config{
			SelfNodeID: a.cfg.NodeID,
			NodeName:   a.cfg.NodeName,
			Port:       udpPort(server.Addr()),
			MaxPayload: *payload,
		})
		if err != nil {
			a.logger.WithError(err).Warn("discovery broadcast failed")
		} else {
			defer broadcaster.Stop()
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		for err := range server.Errors() {
			a.logger.WithError(err).Warn("receiver error")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down")
		if err := server.Close(); err != nil && !errors.Is(err, network.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}

func udpPort(addr net.Addr) int {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.Port
	}
	return 0
}

func (a *app) send(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	tf := a.registerTransferFlags(fs)
	name := fs.String("name", "", "announced filename, single file only")
	parallel := fs.Int("parallel", 1, "files sent at once, each from its own socket")
	if err := fs.Parse(args); err != nil {
		return err
	}

	paths := fs.Args()
	if len(paths) == 0 {
		return errors.New("send: at least one file is required")
	}
	if *name != "" && len(paths) > 1 {
		return errors.New("send: -name needs exactly one file")
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer a.closeStore(store)

	dest, err := a.resolveTarget(ctx, tf)
	if err != nil {
		return err
	}
	base := a.sendFileOptions(tf, dest, store)
	base.Name = *name

	var g errgroup.Group
	g.SetLimit(max(*parallel, 1))
	for i, path := range paths {
		fault, err := tf.fault(i)
		if err != nil {
			return err
		}
		options := base
		options.Fault = fault
		g.Go(func() error {
			return a.sendOne(ctx, dest.address, path, options)
		})
	}
	return g.Wait()
}

func (a *app) watch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	tf := a.registerTransferFlags(fs)
	settle := fs.Duration("settle", watch.DefaultSettle, "how long a file must stay unchanged before it is sent")
	existing := fs.Bool("existing", false, "also send files already in the directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("watch: exactly one directory is required")
	}
	if _, err := tf.fault(0); err != nil {
		return err
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer a.closeStore(store)

	dest, err := a.resolveTarget(ctx, tf)
	if err != nil {
		return err
	}
	base := a.sendFileOptions(tf, dest, store)

	sent := 0
	return watch.Run(ctx, fs.Arg(0), func(ctx context.Context, path string) error {
		options := base
		options.Fault, _ = tf.fault(sent)
		sent++
		return a.sendOne(ctx, dest.address, path, options)
	}, watch.Options{
		Settle:          *settle,
		IncludeExisting: *existing,
		Logger:          a.logger,
	})
}

func (a *app) history(args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "rows to show")
	direction := fs.String("direction", "", "send or receive")
	status := fs.String("status", "", "filter by transfer status")
	peer := fs.String("peer", "", "filter by peer address")
	events := fs.Bool("events", false, "list protocol events instead of transfers")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer a.closeStore(store)

	if *events {
		rows, err := store.ListTransferEvents(storage.TransferEventFilter{PeerAddress: *peer, Limit: *limit})
		if err != nil {
			return err
		}
		views := make([]models.TransferEvent, 0, len(rows))
		for _, row := range rows {
			views = append(views, models.TransferEventFromStorage(row))
		}
		if *asJSON {
			return a.printJSON(views)
		}
		w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tSEVERITY\tEVENT\tPEER\tDETAILS")
		for _, view := range views {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				view.Timestamp.Local().Format(time.DateTime), view.Severity, view.EventType, view.PeerAddress, view.Details)
		}
		return w.Flush()
	}

	rows, err := store.ListTransfers(storage.TransferFilter{
		Direction:   strings.ToLower(*direction),
		PeerAddress: *peer,
		Status:      strings.ToLower(*status),
		Limit:       *limit,
	})
	if err != nil {
		return err
	}
	views := make([]models.Transfer, 0, len(rows))
	for _, row := range rows {
		views = append(views, models.TransferFromStorage(row))
	}
	if *asJSON {
		return a.printJSON(views)
	}

	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tDIR\tPEER\tFILE\tBYTES\tPACKETS\tRETX\tSTATUS")
	for _, view := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d/%d\t%d\t%s\n",
			view.StartedAt.Local().Format(time.DateTime), view.Direction, view.PeerAddress, view.Filename,
			view.BytesTransferred, view.PacketsDone, view.TotalPackets, view.Retransmissions, view.Status)
	}
	return w.Flush()
}

func (a *app) printJSON(value any) error {
	encoder := json.NewEncoder(a.stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func (a *app) discover(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	scanTimeout := fs.Duration("timeout", discovery.DefaultScanTimeout, "mDNS scan window")
	follow := fs.Bool("follow", false, "keep scanning and print changes until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := discovery.Config{
		SelfNodeID:  a.cfg.NodeID,
		ScanTimeout: *scanTimeout,
	}

	if !*follow {
		receivers, err := discovery.Lookup(ctx, cfg)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tADDRESS\tMAX PAYLOAD\tNODE ID")
		for _, receiver := range receivers {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", receiver.Name, receiver.Address(), receiver.MaxPayload, receiver.NodeID)
		}
		return w.Flush()
	}

	scanner, err := discovery.NewScanner(cfg)
	if err != nil {
		return err
	}
	scanner.Start()
	defer scanner.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-scanner.Events():
			if !ok {
				return nil
			}
			switch event.Type {
			case discovery.EventReceiverUpserted:
				fmt.Fprintf(a.stdout, "+ %s %s\n", event.Receiver.Name, event.Receiver.Address())
			case discovery.EventReceiverRemoved:
				fmt.Fprintf(a.stdout, "- %s %s\n", event.Receiver.Name, event.Receiver.Address())
			}
		}
	}
}
