package agent

import (
	"context"
	"net"

	"go.uber.org/zap"

	"cpe-tunnel/internal/localnet"
	"cpe-tunnel/internal/message"
)

// Messenger delivers outbound control messages. Ordered messages are
// sequenced and retried until acknowledged; immediate ones are written
// once.
type Messenger interface {
	SendOrdered(env *message.Envelope) error
	SendImmediate(env *message.Envelope) error
	ProcessAck(seq int64)
	LastAck() int64
	SetLastAck(seq int64)
}

// Binder creates the local sockets tunneled connections start and end on.
type Binder interface {
	Listen(port int, onAccept func(net.Conn)) (localnet.Listener, error)
	Connect(ctx context.Context, port int) (net.Conn, error)
}

// Sender is the raw control channel, used only to prime the relay with
// the first ACK.
type Sender interface {
	Send(env *message.Envelope) error
}

// Notifier surfaces mapping changes to the user.
type Notifier interface {
	Notify(text string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(text string)

func (f NotifierFunc) Notify(text string) { f(text) }

// LogNotifier writes notifications to the log.
func LogNotifier(log *zap.Logger) Notifier {
	return NotifierFunc(func(text string) {
		log.Warn(text)
	})
}
