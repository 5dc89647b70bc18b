package relay

import (
	"context"
	"sync"

	"github.com/coder/websocket"

	"voicerelay/internal/types"
)

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// outbox serialises writes to one transport. send never blocks: a full queue
// or a stopped outbox drops the frame and reports false.
type outbox struct {
	conn    types.Transport
	queue   chan frame
	stop    chan struct{}
	once    sync.Once
	onError func(error)
}

func newOutbox(conn types.Transport, size int, onError func(error)) *outbox {
	return &outbox{
		conn:    conn,
		queue:   make(chan frame, size),
		stop:    make(chan struct{}),
		onError: onError,
	}
}

func (o *outbox) send(typ websocket.MessageType, data []byte) bool {
	select {
	case <-o.stop:
		return false
	default:
	}
	select {
	case o.queue <- frame{typ: typ, data: data}:
		return true
	default:
		return false
	}
}

// run writes queued frames in order until ctx ends, close is called or a
// write fails.
func (o *outbox) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case f := <-o.queue:
			if err := o.conn.Write(ctx, f.typ, f.data); err != nil {
				o.close()
				if ctx.Err() == nil && o.onError != nil {
					o.onError(err)
				}
				return
			}
		}
	}
}

func (o *outbox) close() {
	o.once.Do(func() { close(o.stop) })
}
