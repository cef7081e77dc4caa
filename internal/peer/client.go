// Package peer is the device side of the gateway protocol: it writes a
// raw HTTP request into the gateway, waits for the ready notification
// and drains the response buffers chunk by chunk.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ble-http-gateway/internal/gatt"
	"ble-http-gateway/internal/router"
)

// DefaultChunkSize is the prepared-write fragment size used by the
// reference firmware.
const DefaultChunkSize = 18

// maxResponseBytes bounds how much ReadAll will collect from one buffer.
const maxResponseBytes = 1 << 20

var (
	// ErrSubscriptionClosed is returned when the link drops while waiting for a notification.
	ErrSubscriptionClosed = errors.New("notification subscription closed")

	// ErrResponseTooLarge is returned when a buffer keeps yielding data past maxResponseBytes.
	ErrResponseTooLarge = errors.New("response exceeds read limit")
)

// Link is the GATT client connection to the gateway.
type Link interface {
	Write(char gatt.UUID, data []byte) error
	PrepareWrite(char gatt.UUID, offset int, data []byte) error
	ExecuteWrite(commit bool) error
	Read(char gatt.UUID, offset int) ([]byte, error)
	Subscribe(char gatt.UUID) (<-chan []byte, error)
	Unsubscribe(char gatt.UUID)
}

// Channels names the characteristics a client talks to. Headers is
// the zero UUID when the layout has no headers channel.
type Channels struct {
	Write   gatt.UUID
	Notify  gatt.UUID
	Body    gatt.UUID
	Headers gatt.UUID
}

// SplitChannels returns the split layout's channels, writing to the
// HTTPS characteristic when https is set.
func SplitChannels(https bool) Channels {
	w := router.HTTPUUID
	if https {
		w = router.HTTPSUUID
	}
	return Channels{
		Write:   w,
		Notify:  router.BodyUUID,
		Body:    router.BodyUUID,
		Headers: router.HeadersUUID,
	}
}

// CombinedChannels returns the combined layout's single channel.
func CombinedChannels() Channels {
	return Channels{
		Write:  router.CombinedUUID,
		Notify: router.CombinedUUID,
		Body:   router.CombinedUUID,
	}
}

// Response is what the peer reassembled from the gateway.
type Response struct {
	Token   string
	Headers []byte
	Body    []byte
}

// Option configures a Client.
type Option func(*Client)

// WithChunkSize sets the prepared-write fragment size.
func WithChunkSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunk = n
		}
	}
}

// Client drives one request/response exchange at a time over a Link.
type Client struct {
	link   Link
	ch     Channels
	chunk  int
	logger *slog.Logger
}

// New creates a Client.
func New(link Link, ch Channels, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		link:   link,
		ch:     ch,
		chunk:  DefaultChunkSize,
		logger: logger.With("component", "peer_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends raw and waits until the gateway signals a stored response or
// ctx ends. A forward that fails upstream never signals, so callers
// should always bound ctx.
func (c *Client) Do(ctx context.Context, raw []byte) (*Response, error) {
	notes, err := c.link.Subscribe(c.ch.Notify)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	defer c.link.Unsubscribe(c.ch.Notify)

	if err := c.Send(raw); err != nil {
		return nil, err
	}

	var token []byte
	select {
	case tok, ok := <-notes:
		if !ok {
			return nil, ErrSubscriptionClosed
		}
		token = tok
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for notification: %w", ctx.Err())
	}
	c.logger.Debug("notification received", "token", string(token))

	resp := &Response{Token: string(token)}
	if resp.Body, err = c.ReadAll(c.ch.Body); err != nil {
		return nil, err
	}
	if c.ch.Headers != (gatt.UUID{}) {
		if resp.Headers, err = c.ReadAll(c.ch.Headers); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Send writes raw as prepared-write fragments and executes them. Writes
// that fit in one fragment go out as a single write request.
func (c *Client) Send(raw []byte) error {
	if len(raw) <= c.chunk {
		if err := c.link.Write(c.ch.Write, raw); err != nil {
			return fmt.Errorf("write request: %w", err)
		}
		return nil
	}

	for off := 0; off < len(raw); off += c.chunk {
		end := min(off+c.chunk, len(raw))
		if err := c.link.PrepareWrite(c.ch.Write, off, raw[off:end]); err != nil {
			_ = c.link.ExecuteWrite(false)
			return fmt.Errorf("prepare write at %d: %w", off, err)
		}
	}
	if err := c.link.ExecuteWrite(true); err != nil {
		return fmt.Errorf("execute write: %w", err)
	}
	return nil
}

// ReadAll reads char from increasing offsets until an empty read.
func (c *Client) ReadAll(char gatt.UUID) ([]byte, error) {
	var out []byte
	for {
		chunk, err := c.link.Read(char, len(out))
		if err != nil {
			return nil, fmt.Errorf("read %s at %d: %w", char, len(out), err)
		}
		if len(chunk) == 0 {
			return out, nil
		}
		out = append(out, chunk...)
		if len(out) > maxResponseBytes {
			return nil, ErrResponseTooLarge
		}
	}
}
