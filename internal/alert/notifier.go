package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Channel 通知渠道
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// ErrChannelDisabled is returned for a channel with no configured sender.
var ErrChannelDisabled = errors.New("notification channel disabled")

// Notifier delivers one rendered message to one address.
type Notifier interface {
	Send(ctx context.Context, channel Channel, address, message string) error
}

// Sender delivers messages over a single channel.
type Sender interface {
	Send(ctx context.Context, address, message string) error
}

// Dispatcher routes each channel to its sender.
type Dispatcher struct {
	mu      sync.RWMutex
	senders map[Channel]Sender
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{senders: make(map[Channel]Sender)}
}

func (d *Dispatcher) Register(channel Channel, s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[channel] = s
}

func (d *Dispatcher) Send(ctx context.Context, channel Channel, address, message string) error {
	d.mu.RLock()
	s, ok := d.senders[channel]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", channel, ErrChannelDisabled)
	}
	return s.Send(ctx, address, message)
}
