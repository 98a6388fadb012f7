package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventReceiverUpserted is emitted when a receiver appears or its metadata changes.
	EventReceiverUpserted EventType = "receiver_upserted"
	// EventReceiverRemoved is emitted when a previously seen receiver disappears.
	EventReceiverRemoved EventType = "receiver_removed"
)

// EventType identifies receiver discovery updates.
type EventType string

// Event carries discovery updates.
type Event struct {
	Type     EventType
	Receiver Receiver
}

// Receiver is a file receiver advertised on the LAN.
type Receiver struct {
	NodeID     string
	Name       string
	Version    int
	MaxPayload int
	HostName   string
	Port       int
	Addresses  []string
	LastSeen   time.Time
}

// Address returns host:port for the first advertised address, preferring IPv4.
func (r Receiver) Address() string {
	if len(r.Addresses) == 0 {
		return ""
	}
	host := r.Addresses[0]
	for _, addr := range r.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			host = addr
			break
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(r.Port))
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner keeps a live view of receivers with periodic and manual mDNS browses.
type Scanner struct {
	cfg Config

	browse browseFunc

	mu        sync.RWMutex
	receivers map[string]Receiver

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	browse, err := cfg.browser()
	if err != nil {
		return nil, err
	}

	return &Scanner{
		cfg:             cfg,
		browse:          browse,
		receivers:       make(map[string]Receiver),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning and closes the event channel.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *Scanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}
}

// Receivers returns the current snapshot, ordered by name.
func (s *Scanner) Receivers() []Receiver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedReceivers(s.receivers)
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	_ = s.runScan(s.ctx)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.runScan(s.ctx)
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		select {
		case <-requestCtx.Done():
			cancel()
		case <-scanCtx.Done():
		}
	}()

	next, err := scanOnce(scanCtx, s.cfg, s.browse)
	if err != nil {
		return err
	}
	if s.ctx.Err() != nil {
		return nil
	}
	s.applySnapshot(next)
	return nil
}

// scanOnce browses for one ScanTimeout window and collects every receiver
// that is not this node.
func scanOnce(ctx context.Context, cfg Config, browse browseFunc) (map[string]Receiver, error) {
	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Receiver)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				receiver, ok := parseEntry(entry, cfg.SelfNodeID)
				if !ok {
					continue
				}
				receiver.LastSeen = time.Now()
				collectedMu.Lock()
				collected[receiver.NodeID] = receiver
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := browse(scanCtx, cfg.Service, cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		return nil, browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	defer collectedMu.Unlock()

	// A timeout just means this scan window ended naturally.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return collected, nil
}

func (s *Scanner) applySnapshot(next map[string]Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.receivers
	s.receivers = next

	for id, receiver := range next {
		old, exists := previous[id]
		if !exists || !receiversEqual(old, receiver) {
			s.emitEvent(Event{Type: EventReceiverUpserted, Receiver: receiver})
		}
	}

	for id, receiver := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventReceiverRemoved, Receiver: receiver})
		}
	}
}

func (s *Scanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfNodeID string) (Receiver, bool) {
	txt := txtToMap(entry.Text)

	nodeID := strings.TrimSpace(txt["node_id"])
	if nodeID == "" || nodeID == selfNodeID {
		return Receiver{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	if len(addresses) == 0 {
		return Receiver{}, false
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = nodeID
	}

	return Receiver{
		NodeID:     nodeID,
		Name:       name,
		Version:    atoiOrZero(txt["version"]),
		MaxPayload: atoiOrZero(txt["max_payload"]),
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func atoiOrZero(raw string) int {
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func sortedReceivers(receivers map[string]Receiver) []Receiver {
	out := make([]Receiver, 0, len(receivers))
	for _, receiver := range receivers {
		out = append(out, receiver)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func receiversEqual(a, b Receiver) bool {
	if a.NodeID != b.NodeID ||
		a.Name != b.Name ||
		a.Version != b.Version ||
		a.MaxPayload != b.MaxPayload ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
