//go:build !linux

package conntrack

import (
	"context"
	"errors"
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/postalsys/conenat/internal/tuple"
)

// Netlink is only available on Linux.
type Netlink struct{}

// OpenNetlink always fails outside Linux.
func OpenNetlink(NetlinkConfig, clock.Clock, *slog.Logger) (*Netlink, error) {
	return nil, errors.New("netlink conntrack backend requires linux")
}

func (*Netlink) FlowExists(tuple.Tuple) bool              { return false }
func (*Netlink) Subscribe(uint8, Handler) (func(), error) { return nil, ErrClosed }
func (*Netlink) Refresh() error                           { return ErrClosed }
func (*Netlink) Run(context.Context) error                { return nil }
func (*Netlink) Len() int                                 { return 0 }
func (*Netlink) Close() error                             { return nil }
