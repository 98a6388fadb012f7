package storage

import (
	"errors"
	"testing"
)

func TestSaveAndGetTransfer(t *testing.T) {
	store := newTestStore(t)
	mustSaveTransfer(t, store, "transfer-1", TransferDirectionReceive, "127.0.0.1:5000", 1000)

	got, err := store.GetTransferByID("transfer-1")
	if err != nil {
		t.Fatalf("GetTransferByID failed: %v", err)
	}
	if got.Direction != TransferDirectionReceive || got.PeerAddress != "127.0.0.1:5000" {
		t.Fatalf("unexpected transfer: %+v", got)
	}
	if got.TransferStatus != TransferStatusPending {
		t.Fatalf("expected default status pending, got %q", got.TransferStatus)
	}
	if got.FinishedAt != nil {
		t.Fatalf("expected unfinished transfer, got finished_at %d", *got.FinishedAt)
	}
	if got.Filesize != 10000 || got.TotalPackets != 3 {
		t.Fatalf("unexpected sizes: %+v", got)
	}
}

func TestSaveTransferValidatesInput(t *testing.T) {
	store := newTestStore(t)

	cases := []Transfer{
		{Direction: TransferDirectionSend, PeerAddress: "p", Filename: "f"},
		{TransferID: "x", Direction: "sideways", PeerAddress: "p", Filename: "f"},
		{TransferID: "x", Direction: TransferDirectionSend, Filename: "f"},
		{TransferID: "x", Direction: TransferDirectionSend, PeerAddress: "p"},
		{TransferID: "x", Direction: TransferDirectionSend, PeerAddress: "p", Filename: "f", Filesize: -1},
		{TransferID: "x", Direction: TransferDirectionSend, PeerAddress: "p", Filename: "f", TransferStatus: "lost"},
	}
	for i, transfer := range cases {
		if err := store.SaveTransfer(transfer); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, transfer)
		}
	}
}

func TestGetTransferMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetTransferByID("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateTransferStatus("missing", TransferStatusAccepted); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from update, got %v", err)
	}
}

func TestFinishTransferRecordsOutcome(t *testing.T) {
	store := newTestStore(t)
	mustSaveTransfer(t, store, "transfer-1", TransferDirectionSend, "127.0.0.1:5000", 1000)

	if err := store.UpdateTransferStatus("transfer-1", TransferStatusAccepted); err != nil {
		t.Fatalf("UpdateTransferStatus failed: %v", err)
	}
	err := store.FinishTransfer(TransferOutcome{
		TransferID:       "transfer-1",
		Status:           TransferStatusComplete,
		PacketsDone:      3,
		BytesTransferred: 10000,
		Retransmissions:  1,
		RejectedPackets:  2,
		Checksum:         "abc123",
		FinishedAt:       5000,
	})
	if err != nil {
		t.Fatalf("FinishTransfer failed: %v", err)
	}

	got, err := store.GetTransferByID("transfer-1")
	if err != nil {
		t.Fatalf("GetTransferByID failed: %v", err)
	}
	if got.TransferStatus != TransferStatusComplete {
		t.Fatalf("expected complete, got %q", got.TransferStatus)
	}
	if got.PacketsDone != 3 || got.BytesTransferred != 10000 || got.Retransmissions != 1 || got.RejectedPackets != 2 {
		t.Fatalf("unexpected counters: %+v", got)
	}
	if got.Checksum != "abc123" {
		t.Fatalf("expected checksum abc123, got %q", got.Checksum)
	}
	if got.FinishedAt == nil || *got.FinishedAt != 5000 {
		t.Fatalf("expected finished_at 5000, got %v", got.FinishedAt)
	}

	// An empty checksum leaves the recorded one in place.
	if err := store.FinishTransfer(TransferOutcome{TransferID: "transfer-1", Status: TransferStatusIncomplete}); err != nil {
		t.Fatalf("second FinishTransfer failed: %v", err)
	}
	got, err = store.GetTransferByID("transfer-1")
	if err != nil {
		t.Fatalf("GetTransferByID failed: %v", err)
	}
	if got.Checksum != "abc123" {
		t.Fatalf("checksum should survive an empty update, got %q", got.Checksum)
	}
}

func TestListTransfersFiltersAndOrders(t *testing.T) {
	store := newTestStore(t)
	mustSaveTransfer(t, store, "a", TransferDirectionSend, "10.0.0.1:9000", 1000)
	mustSaveTransfer(t, store, "b", TransferDirectionReceive, "10.0.0.2:9000", 2000)
	mustSaveTransfer(t, store, "c", TransferDirectionReceive, "10.0.0.3:9000", 3000)

	all, err := store.ListTransfers(TransferFilter{})
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 transfers, got %d", len(all))
	}
	if all[0].TransferID != "c" || all[2].TransferID != "a" {
		t.Fatalf("expected newest first, got %s,%s,%s", all[0].TransferID, all[1].TransferID, all[2].TransferID)
	}

	received, err := store.ListTransfers(TransferFilter{Direction: TransferDirectionReceive})
	if err != nil {
		t.Fatalf("ListTransfers by direction failed: %v", err)
	}
	if len(received) != 2 {
		t.Fatalf("expected 2 received transfers, got %d", len(received))
	}

	byPeer, err := store.ListTransfers(TransferFilter{PeerAddress: "10.0.0.2:9000"})
	if err != nil {
		t.Fatalf("ListTransfers by peer failed: %v", err)
	}
	if len(byPeer) != 1 || byPeer[0].TransferID != "b" {
		t.Fatalf("unexpected peer filter result: %+v", byPeer)
	}

	page, err := store.ListTransfers(TransferFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListTransfers page failed: %v", err)
	}
	if len(page) != 1 || page[0].TransferID != "b" {
		t.Fatalf("unexpected page: %+v", page)
	}

	if _, err := store.ListTransfers(TransferFilter{Status: "bogus"}); err == nil {
		t.Fatalf("expected invalid status filter to fail")
	}
}
