//go:generate go run go.uber.org/mock/mockgen -source=client.go -destination=../mocks/mock_client.go -package=mocks

package transfer

import "context"

// Request describes an outgoing transfer handed to the transport.
type Request struct {
	ID     string
	Path   string
	PeerID string
	Size   int64
}

// Client moves bytes between peers on behalf of the engine. Every call may
// fail; errors wrapping ErrTransportRejected or ErrTransportFailure are
// classified accordingly, anything else is treated as a transient failure.
type Client interface {
	// RequestTransfer offers the file to the peer and returns once the peer
	// has accepted and streaming has started.
	RequestTransfer(ctx context.Context, req Request) error
	// AcceptTransfer accepts a pending incoming offer, writing to savePath,
	// and returns the total size announced by the sender.
	AcceptTransfer(ctx context.Context, id, savePath string) (int64, error)
	// QueryProgress returns the number of bytes confirmed so far.
	QueryProgress(ctx context.Context, id string) (int64, error)
	PauseRemote(ctx context.Context, id string) error
	ResumeRemote(ctx context.Context, id string) error
	CancelRemote(ctx context.Context, id string) error
}

// Fault is an unrecoverable per-transfer error pushed by a transport.
type Fault struct {
	ID  string
	Err error
}

// FaultSource is implemented by transports that can report failures without
// being polled, for example when a peer disconnects while a transfer is paused.
type FaultSource interface {
	Faults() <-chan Fault
}
