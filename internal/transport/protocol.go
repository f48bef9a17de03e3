package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	flatbuffers "github.com/google/flatbuffers/go"

	"Keyhold/internal/block"
	"Keyhold/internal/fetcherr"
	"Keyhold/internal/keys"
	"Keyhold/internal/storage"
	"Keyhold/internal/types"
)

// statusOK marks a response that carries a block. Any other status is a
// fetcherr.Code.
const statusOK = 0

// requestID numbers outgoing block requests.
var requestID atomic.Uint64

// ErrMalformedMessage is returned for undecodable protocol messages.
var ErrMalformedMessage = errors.New("malformed message")

// Requester sends a request to one peer and waits for the response.
type Requester interface {
	Request(ctx context.Context, data []byte) ([]byte, error)
}

// BlockSource looks blocks up by routing key.
type BlockSource interface {
	Lookup(routing keys.RoutingKey) (*block.Block, error)
}

// RequestBlock asks peer for the block at routing and verifies the answer.
func RequestBlock(ctx context.Context, peer Requester, routing keys.RoutingKey) (*block.Block, *fetcherr.LowLevelError) {
	id := requestID.Add(1)

	data, err := peer.Request(ctx, buildRequest(id, routing))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, fetcherr.NewLowLevel(fetcherr.CodeCancelled, err)
		}
		return nil, fetcherr.NewLowLevel(fetcherr.CodeTransferFailed, err)
	}

	respID, status, b, err := parseResponse(data)
	if err != nil {
		return nil, fetcherr.NewLowLevel(fetcherr.CodeTransferFailed, err)
	}

	if respID != id {
		return nil, fetcherr.NewLowLevel(fetcherr.CodeTransferFailed,
			fmt.Errorf("request ID mismatch: got %d, want %d", respID, id))
	}

	if status != statusOK {
		code := fetcherr.Code(status)
		if !code.Known() {
			code = fetcherr.CodeTransferFailed
		}
		return nil, fetcherr.NewLowLevel(code, nil)
	}

	if b == nil {
		return nil, fetcherr.NewLowLevel(fetcherr.CodeDecodeFailed, errors.New("response without block"))
	}

	if err := b.Verify(routing); err != nil {
		return nil, fetcherr.NewLowLevel(fetcherr.CodeVerifyFailed, err)
	}

	return b, nil
}

// HandleBlockRequest answers a peer's block request from src.
func HandleBlockRequest(src BlockSource, data []byte) ([]byte, error) {
	id, routing, err := parseRequest(data)
	if err != nil {
		return nil, err
	}

	b, err := src.Lookup(routing)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return buildResponse(id, uint8(fetcherr.CodeDataNotFound), nil), nil
	case err != nil:
		return buildResponse(id, uint8(fetcherr.CodeInternalError), nil), nil
	}

	return buildResponse(id, statusOK, b), nil
}

// buildRequest encodes a BlockRequest.
func buildRequest(id uint64, routing keys.RoutingKey) []byte {
	builder := flatbuffers.NewBuilder(64)

	keyOffset := builder.CreateByteVector(routing[:])

	types.BlockRequestStart(builder)
	types.BlockRequestAddRequestId(builder, id)
	types.BlockRequestAddRoutingKey(builder, keyOffset)
	builder.Finish(types.BlockRequestEnd(builder))

	return builder.FinishedBytes()
}

// parseRequest decodes a BlockRequest.
func parseRequest(data []byte) (id uint64, routing keys.RoutingKey, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrMalformedMessage, r)
		}
	}()

	if len(data) < 8 {
		return 0, routing, fmt.Errorf("%w: %d bytes", ErrMalformedMessage, len(data))
	}

	req := types.GetRootAsBlockRequest(data, 0)

	raw := req.RoutingKeyBytes()
	if len(raw) != keys.RoutingKeySize {
		return 0, routing, fmt.Errorf("%w: routing key of %d bytes", ErrMalformedMessage, len(raw))
	}
	copy(routing[:], raw)

	return req.RequestId(), routing, nil
}

// buildResponse encodes a BlockResponse. b may be nil.
func buildResponse(id uint64, status uint8, b *block.Block) []byte {
	size := 64
	if b != nil {
		size += len(b.Data) + 256
	}
	builder := flatbuffers.NewBuilder(size)

	var blockOffset flatbuffers.UOffsetT
	if b != nil {
		blockOffset = block.BuildKeyBlock(builder, b)
	}

	types.BlockResponseStart(builder)
	types.BlockResponseAddRequestId(builder, id)
	types.BlockResponseAddStatus(builder, status)
	if b != nil {
		types.BlockResponseAddBlock(builder, blockOffset)
	}
	builder.Finish(types.BlockResponseEnd(builder))

	return builder.FinishedBytes()
}

// parseResponse decodes a BlockResponse.
func parseResponse(data []byte) (id uint64, status uint8, b *block.Block, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrMalformedMessage, r)
		}
	}()

	if len(data) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: %d bytes", ErrMalformedMessage, len(data))
	}

	resp := types.GetRootAsBlockResponse(data, 0)

	if t := resp.Block(nil); t != nil {
		b = block.FromTable(t)
	}

	return resp.RequestId(), resp.Status(), b, nil
}
