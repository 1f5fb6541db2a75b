package overlay

import (
	"fmt"
	"sync"

	"github.com/raskyld/overlay/pkg/pubsub"
	"github.com/raskyld/overlay/pkg/wire"
)

// MessageSubscription receives every message of type M read by a Channel,
// in arrival order.
type MessageSubscription[M wire.Message] struct {
	*pubsub.Subscription[M]
}

type dispatcher interface {
	dispatch(payload []byte) error
	close(err error)
}

type messageDispatcher[M wire.Message] struct {
	decode wire.Decoder[M]
	subs   *pubsub.Subscriber[M]
}

func (d *messageDispatcher[M]) dispatch(payload []byte) error {
	msg, err := d.decode(payload)
	if err != nil {
		return err
	}
	d.subs.Notify(msg)
	return nil
}

func (d *messageDispatcher[M]) close(err error) {
	d.subs.Close(err)
}

// messageSubsystem routes decoded frames to the subscriptions of their
// message type.
type messageSubsystem struct {
	lk          sync.Mutex
	dispatchers map[string]dispatcher
	err         error
}

func newMessageSubsystem() *messageSubsystem {
	return &messageSubsystem{
		dispatchers: make(map[string]dispatcher),
	}
}

// notify returns ErrMissingDispatcher if nobody registered the command of
// frame, or the decoding error.
func (ms *messageSubsystem) notify(frame wire.Frame) error {
	ms.lk.Lock()
	d, ok := ms.dispatchers[frame.Command]
	ms.lk.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrMissingDispatcher, frame.Command)
	}
	return d.dispatch(frame.Payload)
}

func (ms *messageSubsystem) close(err error) {
	ms.lk.Lock()
	defer ms.lk.Unlock()
	if ms.err != nil {
		return
	}
	ms.err = err
	for _, d := range ms.dispatchers {
		d.close(err)
	}
}

// AddDispatch registers how messages of type M are decoded on ch. Adding a
// dispatcher twice for the same type keeps the first one.
func AddDispatch[M wire.Message](ch *Channel, decode wire.Decoder[M]) {
	var zero M
	cmd := zero.Command()

	ms := ch.msgs
	ms.lk.Lock()
	defer ms.lk.Unlock()
	if _, ok := ms.dispatchers[cmd]; ok {
		return
	}

	d := &messageDispatcher[M]{
		decode: decode,
		subs:   pubsub.New[M](),
	}
	if ms.err != nil {
		d.close(ms.err)
	}
	ms.dispatchers[cmd] = d
}

// SubscribeMsg subscribes to messages of type M read by ch. It fails with
// ErrMissingDispatcher if `AddDispatch` was not called for M.
func SubscribeMsg[M wire.Message](ch *Channel) (*MessageSubscription[M], error) {
	var zero M
	cmd := zero.Command()

	ms := ch.msgs
	ms.lk.Lock()
	d, ok := ms.dispatchers[cmd]
	ms.lk.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingDispatcher, cmd)
	}

	typed, ok := d.(*messageDispatcher[M])
	if !ok {
		panic(fmt.Sprintf("dispatcher registered for %q does not carry %T", cmd, zero))
	}
	return &MessageSubscription[M]{typed.subs.Subscribe()}, nil
}
