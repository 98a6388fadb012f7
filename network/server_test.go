package network

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"udpft/files"
	"udpft/storage"
)

func TestSendFileEndToEndWithSingleLoss(t *testing.T) {
	ts := startTestServer(t, ServerOptions{})
	data := patternBytes(10000)
	source := writeTestFile(t, t.TempDir(), "data.bin", data)

	result, err := SendFile(context.Background(), ts.server.Addr().String(), source, SendFileOptions{
		Sender: SenderOptions{
			MaxPayload: 4096,
			WindowSize: 4,
			AckTimeout: 100 * time.Millisecond,
			Logger:     quietLogger(),
		},
		Fault: DropDataOnce(1),
		Store: ts.store,
	})
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}
	if result.Chunks != 3 || result.Retransmissions != 1 {
		t.Fatalf("expected 3 chunks and one retransmission round, got %+v", result)
	}

	report := waitForReport(t, ts.reports, 3*time.Second)
	if report.Status != storage.TransferStatusComplete || report.Reason != "bye" {
		t.Fatalf("unexpected report: %+v", report)
	}
	received, err := os.ReadFile(report.StoredPath)
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(received, data) {
		t.Fatalf("received file differs from source")
	}
	if filepath.Dir(report.StoredPath) != ts.inbox {
		t.Fatalf("file stored outside the receive directory: %s", report.StoredPath)
	}

	sourceDigest, err := files.DigestFile(source)
	if err != nil {
		t.Fatalf("DigestFile failed: %v", err)
	}
	if result.Digest != sourceDigest || report.Digest != sourceDigest {
		t.Fatalf("digest mismatch: source=%s sent=%s received=%s", sourceDigest, result.Digest, report.Digest)
	}

	inbound, err := ts.store.GetTransferByID(report.TransferID)
	if err != nil {
		t.Fatalf("GetTransferByID(receive) failed: %v", err)
	}
	if inbound.Direction != storage.TransferDirectionReceive || inbound.TransferStatus != storage.TransferStatusComplete {
		t.Fatalf("unexpected inbound ledger row: %+v", inbound)
	}
	if inbound.Checksum != sourceDigest || inbound.BytesTransferred != 10000 || inbound.PacketsDone != 3 {
		t.Fatalf("unexpected inbound counters: %+v", inbound)
	}

	outbound, err := ts.store.GetTransferByID(result.TransferID)
	if err != nil {
		t.Fatalf("GetTransferByID(send) failed: %v", err)
	}
	if outbound.Direction != storage.TransferDirectionSend || outbound.TransferStatus != storage.TransferStatusComplete {
		t.Fatalf("unexpected outbound ledger row: %+v", outbound)
	}
	if outbound.Retransmissions != 1 || outbound.Checksum != sourceDigest {
		t.Fatalf("unexpected outbound counters: %+v", outbound)
	}
}

func TestSendFileTransfersEmptyFile(t *testing.T) {
	ts := startTestServer(t, ServerOptions{})
	source := writeTestFile(t, t.TempDir(), "empty.txt", nil)

	result, err := SendFile(context.Background(), ts.server.Addr().String(), source, SendFileOptions{
		Sender: SenderOptions{Logger: quietLogger()},
	})
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}
	if result.Chunks != 0 {
		t.Fatalf("expected zero chunks, got %d", result.Chunks)
	}

	report := waitForReport(t, ts.reports, 3*time.Second)
	if report.Status != storage.TransferStatusComplete {
		t.Fatalf("expected complete empty transfer, got %+v", report)
	}
	info, err := os.Stat(report.StoredPath)
	if err != nil {
		t.Fatalf("stat received file: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected empty file, got %d bytes", info.Size())
	}
}

func TestServerHandshakeIsIdempotent(t *testing.T) {
	ts := startTestServer(t, ServerOptions{})
	peer := dialTestPeer(t, ts.server)
	handshake := Handshake{Filename: "notes.txt", Filesize: 5, TotalPackets: 1}

	for i := 0; i < 3; i++ {
		mustHandshake(t, peer, handshake)
	}
	if sessions := ts.server.Sessions(); len(sessions) != 1 {
		t.Fatalf("expected one session after repeated handshakes, got %d", len(sessions))
	}

	mustSend(t, peer, ByeMarker())
	report := waitForReport(t, ts.reports, 3*time.Second)
	if report.Status != storage.TransferStatusIncomplete {
		t.Fatalf("BYE before any data should leave the transfer incomplete, got %+v", report)
	}
	entries, err := os.ReadDir(ts.inbox)
	if err != nil {
		t.Fatalf("read inbox: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one destination file, got %d", len(entries))
	}
}

func TestServerIsolatesConcurrentPeers(t *testing.T) {
	ts := startTestServer(t, ServerOptions{})
	payloads := map[string][]byte{
		"alpha.bin": patternBytes(300),
		"beta.bin":  bytes.Repeat([]byte("beta"), 60),
	}

	type peerState struct {
		transport *UDPTransport
		chunks    []Chunk
	}
	peers := make(map[string]*peerState)
	for name, data := range payloads {
		chunks, err := CollectChunks(bytes.NewReader(data), 100)
		if err != nil {
			t.Fatalf("CollectChunks failed: %v", err)
		}
		transport := dialTestPeer(t, ts.server)
		mustHandshake(t, transport, Handshake{Filename: name, Filesize: int64(len(data)), TotalPackets: len(chunks)})
		peers[name] = &peerState{transport: transport, chunks: chunks}
	}

	for seq := 0; seq < 3; seq++ {
		for _, name := range []string{"alpha.bin", "beta.bin"} {
			state := peers[name]
			mustSend(t, state.transport, EncodeData(NewDataPacket(state.chunks[seq])))
			expectAck(t, state.transport, seq+1)
		}
	}
	for _, name := range []string{"alpha.bin", "beta.bin"} {
		mustSend(t, peers[name].transport, EOFMarker())
		mustSend(t, peers[name].transport, ByeMarker())
	}

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		report := waitForReport(t, ts.reports, 3*time.Second)
		if report.Status != storage.TransferStatusComplete {
			t.Fatalf("unexpected report: %+v", report)
		}
		received, err := os.ReadFile(report.StoredPath)
		if err != nil {
			t.Fatalf("read received file: %v", err)
		}
		if !bytes.Equal(received, payloads[report.Filename]) {
			t.Fatalf("%s: received bytes differ", report.Filename)
		}
		seen[report.StoredPath] = true
	}
	if len(seen) != 2 {
		t.Fatalf("expected two distinct destination files, got %v", seen)
	}
}

func TestServerDropsTrafficFromUnknownPeers(t *testing.T) {
	ts := startTestServer(t, ServerOptions{})
	peer := dialTestPeer(t, ts.server)

	mustSend(t, peer, EncodeData(NewDataPacket(Chunk{Sequence: 0, Payload: []byte("x")})))
	mustSend(t, peer, EOFMarker())
	expectNoReply(t, peer, 150*time.Millisecond)
	if sessions := ts.server.Sessions(); len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %d", len(sessions))
	}
}

func TestServerRejectsInvalidHandshakesSilently(t *testing.T) {
	ts := startTestServer(t, ServerOptions{MaxFileSize: 5000})
	peer := dialTestPeer(t, ts.server)

	for _, raw := range []string{
		"HELO|zero.bin|0|5",
		"HELO|more-packets.bin|5|10",
		"HELO|too-large.bin|6000|2",
		"HELO|trailing-field.bin|4000|1|extra",
		"HELO|bad-number.bin|ten|1",
	} {
		mustSend(t, peer, []byte(raw))
		expectNoReply(t, peer, 100*time.Millisecond)
	}
	if sessions := ts.server.Sessions(); len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %d", len(sessions))
	}

	events := waitForEvents(t, ts.store, "handshake_rejected", 5, 2*time.Second)
	for _, event := range events {
		if event.Severity != storage.EventSeverityWarning {
			t.Fatalf("unexpected event severity %q", event.Severity)
		}
	}
}

func TestServerRejectsPacketsLargerThanItsBuffer(t *testing.T) {
	ts := startTestServer(t, ServerOptions{MaxPayload: 512})
	peer := dialTestPeer(t, ts.server)

	// 4096 bytes in one packet cannot fit a 512 byte payload buffer.
	mustSend(t, peer, []byte("HELO|big.bin|4096|1"))
	expectNoReply(t, peer, 100*time.Millisecond)

	mustHandshake(t, peer, Handshake{Filename: "big.bin", Filesize: 4096, TotalPackets: 8})
}

func TestServerReplacesFinishedSessionOnNewHandshake(t *testing.T) {
	ts := startTestServer(t, ServerOptions{})
	peer := dialTestPeer(t, ts.server)

	first := Handshake{Filename: "one.txt", Filesize: 3, TotalPackets: 1}
	mustHandshake(t, peer, first)

	// A different handshake is dropped while the first transfer is running.
	second := Handshake{Filename: "two.txt", Filesize: 3, TotalPackets: 1}
	request, err := EncodeHandshake(second)
	if err != nil {
		t.Fatalf("EncodeHandshake failed: %v", err)
	}
	mustSend(t, peer, request)
	expectNoReply(t, peer, 100*time.Millisecond)

	mustSend(t, peer, EncodeData(NewDataPacket(Chunk{Sequence: 0, Payload: []byte("one")})))
	expectAck(t, peer, 1)

	mustHandshake(t, peer, second)
	report := waitForReport(t, ts.reports, 3*time.Second)
	if report.Reason != "replaced" || report.Status != storage.TransferStatusComplete || report.Filename != "one.txt" {
		t.Fatalf("unexpected report for replaced session: %+v", report)
	}
	sessions := ts.server.Sessions()
	if len(sessions) != 1 || sessions[0].Filename != "two.txt" {
		t.Fatalf("expected the new session to be active, got %+v", sessions)
	}
}

func TestServerTreatsHandshakeAfterEOFAsNewTransfer(t *testing.T) {
	ts := startTestServer(t, ServerOptions{})
	peer := dialTestPeer(t, ts.server)
	handshake := Handshake{Filename: "same.txt", Filesize: 5, TotalPackets: 1}

	mustHandshake(t, peer, handshake)
	mustSend(t, peer, EncodeData(NewDataPacket(Chunk{Sequence: 0, Payload: []byte("first")})))
	expectAck(t, peer, 1)
	mustSend(t, peer, EOFMarker())

	// BYE is lost; the next file has the same name and size.
	mustHandshake(t, peer, handshake)
	previous := waitForReport(t, ts.reports, 3*time.Second)
	if previous.Reason != "replaced" || previous.Status != storage.TransferStatusComplete {
		t.Fatalf("unexpected report for the first transfer: %+v", previous)
	}

	mustSend(t, peer, EncodeData(NewDataPacket(Chunk{Sequence: 0, Payload: []byte("SECND")})))
	expectAck(t, peer, 1)
	mustSend(t, peer, ByeMarker())
	current := waitForReport(t, ts.reports, 3*time.Second)
	if current.Status != storage.TransferStatusComplete || current.TransferID == previous.TransferID {
		t.Fatalf("expected a second complete transfer, got %+v", current)
	}

	for path, want := range map[string]string{previous.StoredPath: "first", current.StoredPath: "SECND"} {
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if string(got) != want {
			t.Fatalf("expected %q in %s, got %q", want, path, got)
		}
	}
}

func TestServerClosesEmptyFileSinkAtHandshake(t *testing.T) {
	sinks := &trackingSinks{}
	ts := startTestServer(t, ServerOptions{Sinks: sinks})
	peer := dialTestPeer(t, ts.server)

	mustHandshake(t, peer, Handshake{Filename: "empty.txt"})
	if opened, closed := sinks.counts(); opened != 1 || closed != 1 {
		t.Fatalf("expected the empty sink closed before HELO OK, opened %d closed %d", opened, closed)
	}

	// A lost HELO OK is still re-acknowledged without a second sink.
	mustHandshake(t, peer, Handshake{Filename: "empty.txt"})
	if opened, _ := sinks.counts(); opened != 1 {
		t.Fatalf("expected one sink after a repeated handshake, got %d", opened)
	}

	mustSend(t, peer, EOFMarker())
	mustSend(t, peer, ByeMarker())
	report := waitForReport(t, ts.reports, 3*time.Second)
	if report.Status != storage.TransferStatusComplete {
		t.Fatalf("expected complete empty transfer, got %+v", report)
	}
	if _, closed := sinks.counts(); closed != 1 {
		t.Fatalf("sink closed %d times", closed)
	}
}

func TestServerReapsIdleSessions(t *testing.T) {
	ts := startTestServer(t, ServerOptions{IdleTimeout: 200 * time.Millisecond})
	peer := dialTestPeer(t, ts.server)

	mustHandshake(t, peer, Handshake{Filename: "stalled.bin", Filesize: 10, TotalPackets: 2})
	mustSend(t, peer, EncodeData(NewDataPacket(Chunk{Sequence: 0, Payload: []byte("hello")})))
	expectAck(t, peer, 1)

	report := waitForReport(t, ts.reports, 3*time.Second)
	if report.Reason != "idle" || report.Status != storage.TransferStatusIncomplete {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.BytesWritten != 5 {
		t.Fatalf("expected 5 bytes written before stalling, got %d", report.BytesWritten)
	}
	if sessions := ts.server.Sessions(); len(sessions) != 0 {
		t.Fatalf("expected idle session to be removed, got %d", len(sessions))
	}

	row, err := ts.store.GetTransferByID(report.TransferID)
	if err != nil {
		t.Fatalf("GetTransferByID failed: %v", err)
	}
	if row.TransferStatus != storage.TransferStatusIncomplete || row.FinishedAt == nil {
		t.Fatalf("unexpected ledger row: %+v", row)
	}
}

func TestServerCloseEndsActiveSessions(t *testing.T) {
	ts := startTestServer(t, ServerOptions{})
	peer := dialTestPeer(t, ts.server)
	mustHandshake(t, peer, Handshake{Filename: "partial.bin", Filesize: 10, TotalPackets: 2})

	if err := ts.server.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	report := waitForReport(t, ts.reports, time.Second)
	if report.Reason != "shutdown" {
		t.Fatalf("expected shutdown report, got %+v", report)
	}
	if _, ok := <-ts.server.Errors(); ok {
		t.Fatalf("expected errors channel to be closed")
	}
}

type testServer struct {
	server  *Server
	store   *storage.Store
	inbox   string
	reports chan SessionReport
}

func startTestServer(t *testing.T, options ServerOptions) *testServer {
	t.Helper()

	root := t.TempDir()
	inbox := filepath.Join(root, "inbox")
	sinks, err := files.NewDirSinks(inbox)
	if err != nil {
		t.Fatalf("NewDirSinks failed: %v", err)
	}
	store, _, err := storage.Open(filepath.Join(root, "data"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	reports := make(chan SessionReport, 16)
	if options.Sinks == nil {
		options.Sinks = sinks
	}
	options.Store = store
	options.Logger = quietLogger()
	options.OnSessionClosed = func(report SessionReport) {
		reports <- report
	}

	server, err := Listen("127.0.0.1:0", options)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() {
		_ = server.Close()
	})

	return &testServer{server: server, store: store, inbox: inbox, reports: reports}
}

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func dialTestPeer(t *testing.T, server *Server) *UDPTransport {
	t.Helper()

	transport, err := DialUDP(server.Addr().String(), DialOptions{})
	if err != nil {
		t.Fatalf("DialUDP failed: %v", err)
	}
	t.Cleanup(func() {
		_ = transport.Close()
	})
	return transport
}

func mustSend(t *testing.T, transport Transport, datagram []byte) {
	t.Helper()
	if err := transport.Send(datagram); err != nil {
		t.Fatalf("Send(%q) failed: %v", datagram, err)
	}
}

func mustHandshake(t *testing.T, transport Transport, handshake Handshake) {
	t.Helper()

	request, err := EncodeHandshake(handshake)
	if err != nil {
		t.Fatalf("EncodeHandshake failed: %v", err)
	}
	mustSend(t, transport, request)
	reply, err := transport.Receive(time.Second)
	if err != nil {
		t.Fatalf("waiting for HELO OK: %v", err)
	}
	if Classify(reply) != KindHandshakeAck {
		t.Fatalf("expected HELO OK, got %q", reply)
	}
}

func expectAck(t *testing.T, transport Transport, want int) {
	t.Helper()

	reply, err := transport.Receive(time.Second)
	if err != nil {
		t.Fatalf("waiting for ack %d: %v", want, err)
	}
	got, err := DecodeAck(reply)
	if err != nil {
		t.Fatalf("decode ack %q: %v", reply, err)
	}
	if got != want {
		t.Fatalf("expected ack %d, got %d", want, got)
	}
}

func expectNoReply(t *testing.T, transport Transport, wait time.Duration) {
	t.Helper()

	reply, err := transport.Receive(wait)
	if err == nil {
		t.Fatalf("expected silence, got %q", reply)
	}
}

func waitForReport(t *testing.T, reports <-chan SessionReport, timeout time.Duration) SessionReport {
	t.Helper()

	select {
	case report := <-reports:
		return report
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for session report")
		return SessionReport{}
	}
}

func waitForEvents(t *testing.T, store *storage.Store, eventType string, want int, timeout time.Duration) []storage.TransferEvent {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		events, err := store.ListTransferEvents(storage.TransferEventFilter{EventType: eventType})
		if err != nil {
			t.Fatalf("ListTransferEvents failed: %v", err)
		}
		if len(events) >= want {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d %s events, got %d", want, eventType, len(events))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func writeTestFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write test file: %v", err)
	}
	return path
}

// trackingSinks counts opened and closed in-memory sinks across goroutines.
type trackingSinks struct {
	mu     sync.Mutex
	opened int
	closed int
}

func (s *trackingSinks) OpenSink(peer, filename string) (io.WriteCloser, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	return &trackedSink{owner: s}, "mem:" + filename, nil
}

func (s *trackingSinks) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened, s.closed
}

type trackedSink struct {
	owner *trackingSinks
	buf   bytes.Buffer
}

func (s *trackedSink) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

func (s *trackedSink) Close() error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.owner.closed++
	return nil
}
