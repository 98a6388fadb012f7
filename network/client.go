package network

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"udpft/files"
	"udpft/storage"
)

// SendFileOptions controls SendFile.
type SendFileOptions struct {
	Sender SenderOptions
	Dial   DialOptions
	// Fault decorates outbound datagrams, for loss and corruption simulation.
	Fault Fault
	// Store records a ledger row for the transfer when set.
	Store *storage.Store
	// Name overrides the announced filename. Defaults to the source base name.
	Name string
}

// SendFile transfers one regular file to the receiver at address.
func SendFile(ctx context.Context, address, path string, options SendFileOptions) (*SendResult, error) {
	source, err := files.OpenSource(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = source.Close()
	}()

	name := options.Name
	if name == "" {
		name = source.Name()
	}

	transport, err := DialUDP(address, options.Dial)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = transport.Close()
	}()

	senderOptions := options.Sender.withDefaults()
	sender := NewSender(WithFaults(transport, options.Fault), senderOptions)

	if options.Store != nil {
		err := options.Store.SaveTransfer(storage.Transfer{
			TransferID:   sender.TransferID(),
			Direction:    storage.TransferDirectionSend,
			PeerAddress:  address,
			Filename:     name,
			StoredPath:   source.Path(),
			Filesize:     source.Size(),
			TotalPackets: ChunkCount(source.Size(), senderOptions.MaxPayload),
		})
		if err != nil {
			return nil, fmt.Errorf("record transfer: %w", err)
		}
	}

	digest := files.NewDigest()
	result, sendErr := sender.Send(ctx, name, io.TeeReader(source, digest))

	outcome := storage.TransferOutcome{
		TransferID: sender.TransferID(),
		Status:     storage.TransferStatusFailed,
	}
	if sendErr == nil {
		result.Digest = hex.EncodeToString(digest.Sum(nil))
		outcome.Status = storage.TransferStatusComplete
		outcome.PacketsDone = result.Chunks
		outcome.BytesTransferred = result.Bytes
		outcome.Retransmissions = result.Retransmissions
		outcome.Checksum = result.Digest
	}
	if options.Store != nil {
		if err := options.Store.FinishTransfer(outcome); err != nil && sendErr == nil {
			return result, fmt.Errorf("record transfer outcome: %w", err)
		}
	}
	if sendErr != nil {
		return nil, sendErr
	}
	return result, nil
}
