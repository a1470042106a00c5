package alerting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
)

// ErrPartialDelivery marks a fan-out where at least one transport delivered
// and at least one failed.
var ErrPartialDelivery = errors.New("alerting: partial delivery")

// ChannelSet reports which channels have at least one transport.
type ChannelSet interface {
	Has(channel Channel) bool
}

// Router fans a payload out to every transport bound to a channel.
type Router struct {
	routes map[Channel][]Notifier
}

// NewRouter builds an empty Router.
func NewRouter() *Router {
	return &Router{routes: make(map[Channel][]Notifier)}
}

// Bind attaches a transport to a channel. Nil notifiers are ignored.
func (r *Router) Bind(channel Channel, n Notifier) *Router {
	if n != nil {
		r.routes[channel] = append(r.routes[channel], n)
	}
	return r
}

// Has reports whether channel has a transport.
func (r *Router) Has(channel Channel) bool {
	return len(r.routes[channel]) > 0
}

// Channels lists bound channels in name order.
func (r *Router) Channels() []Channel {
	out := make([]Channel, 0, len(r.routes))
	for ch := range r.routes {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Send delivers to every transport of channel. Each error names its
// transport; when some transports delivered the result wraps ErrPartialDelivery.
func (r *Router) Send(ctx context.Context, channel Channel, payload Payload) error {
	targets := r.routes[channel]
	if len(targets) == 0 {
		return fmt.Errorf("no notifier bound to channel %q", channel)
	}
	var errs []error
	for _, n := range targets {
		if err := n.Send(ctx, channel, payload); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", transportName(n), err))
		}
	}
	switch {
	case len(errs) == 0:
		return nil
	case len(errs) < len(targets):
		return fmt.Errorf("%w (%d of %d transports failed): %w", ErrPartialDelivery, len(errs), len(targets), errors.Join(errs...))
	default:
		return errors.Join(errs...)
	}
}

func transportName(n Notifier) string {
	if named, ok := n.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", n)
}

// Close releases every transport that holds resources. A transport bound to
// several channels is closed once.
func (r *Router) Close() error {
	seen := make(map[Notifier]struct{})
	var errs []error
	for _, ch := range r.Channels() {
		for _, n := range r.routes[ch] {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			if c, ok := n.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier   = (*Router)(nil)
	_ ChannelSet = (*Router)(nil)
	_ io.Closer  = (*Router)(nil)
)
