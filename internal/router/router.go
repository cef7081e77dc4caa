// Package router binds the gateway's GATT characteristics to the request
// pipeline and the response store.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"ble-http-gateway/internal/config"
	"ble-http-gateway/internal/gatt"
	"ble-http-gateway/internal/metrics"
	"ble-http-gateway/internal/model"
	"ble-http-gateway/internal/request"
	"ble-http-gateway/internal/store"
)

// Characteristic UUIDs. The combined layout reuses the HTTP write UUID
// for its single read/write/notify characteristic.
var (
	ServiceUUID  = gatt.MustParseUUID("16ba0001-cf44-461e-b889-4f9a90f6b330")
	HTTPUUID     = gatt.MustParseUUID("16ba0002-cf44-461e-b889-4f9a90f6b330")
	HTTPSUUID    = gatt.MustParseUUID("16ba0003-cf44-461e-b889-4f9a90f6b330")
	BodyUUID     = gatt.MustParseUUID("16ba0004-cf44-461e-b889-4f9a90f6b330")
	HeadersUUID  = gatt.MustParseUUID("16ba0005-cf44-461e-b889-4f9a90f6b330")
	CombinedUUID = HTTPUUID
)

// ReadyToken is the notification payload of the combined layout.
const ReadyToken = "ready!"

// Forwarder starts an asynchronous forward.
type Forwarder interface {
	Forward(ctx context.Context, nr *model.NormalizedRequest, done func(model.Outcome)) string
}

// Router dispatches characteristic events.
type Router struct {
	layout  string
	store   *store.Store
	fwd     Forwarder
	logger  *slog.Logger
	metrics *metrics.Metrics
	svc     *gatt.Service
}

// StoreOptions returns the store options matching the configured layout.
func StoreOptions(cfg *config.Config, m *metrics.Metrics) []store.Option {
	opts := []store.Option{
		store.WithObserver(func(headers, body int) {
			m.BufferBytes.WithLabelValues(store.Headers.String()).Set(float64(headers))
			m.BufferBytes.WithLabelValues(store.Body.String()).Set(float64(body))
		}),
	}
	if cfg.Gateway.Layout == config.LayoutCombined {
		opts = append(opts, store.WithToken(store.Body, ReadyToken))
	}
	return opts
}

// New builds the GATT service for cfg.Gateway.Layout.
func New(cfg *config.Config, st *store.Store, fwd Forwarder, logger *slog.Logger, m *metrics.Metrics) (*Router, error) {
	r := &Router{
		layout:  cfg.Gateway.Layout,
		store:   st,
		fwd:     fwd,
		logger:  logger.With("component", "router"),
		metrics: m,
		svc:     gatt.NewService(ServiceUUID),
	}

	switch cfg.Gateway.Layout {
	case config.LayoutSplit:
		r.svc.AddCharacteristic(HTTPUUID).HandleWriteFunc(r.write("http", request.SchemeHTTP))
		r.svc.AddCharacteristic(HTTPSUUID).HandleWriteFunc(r.write("https", request.SchemeHTTPS))

		body := r.svc.AddCharacteristic(BodyUUID)
		body.HandleReadFunc(r.read("body", store.Body))
		body.HandleNotifyFunc(r.notify("body", store.Body))

		headers := r.svc.AddCharacteristic(HeadersUUID)
		headers.HandleReadFunc(r.read("headers", store.Headers))
		headers.HandleNotifyFunc(r.notify("headers", store.Headers))

	case config.LayoutCombined:
		c := r.svc.AddCharacteristic(CombinedUUID)
		c.HandleWriteFunc(r.write("combined", cfg.Gateway.DefaultScheme))
		c.HandleReadFunc(r.read("combined", store.Body))
		c.HandleNotifyFunc(r.notify("combined", store.Body))

	default:
		return nil, fmt.Errorf("unknown layout %q", cfg.Gateway.Layout)
	}

	return r, nil
}

// Service returns the service to publish.
func (r *Router) Service() *gatt.Service {
	return r.svc
}

// Layout returns the configured layout name.
func (r *Router) Layout() string {
	return r.layout
}

// write acknowledges every write. Decoding failures are logged and
// counted; the peer learns nothing beyond the unchanged store.
func (r *Router) write(channel, scheme string) func(gatt.Request, []byte) byte {
	return func(req gatt.Request, data []byte) byte {
		r.metrics.ChannelEvents.WithLabelValues(channel, "write").Inc()

		desc, err := request.Decode(data)
		if err != nil {
			r.metrics.MalformedWrites.Inc()
			r.logger.Warn("dropping malformed request",
				"channel", channel,
				"peer", centralID(req.Central),
				"bytes", len(data),
				"error", err,
			)
			return gatt.StatusSuccess
		}

		nr := request.Normalize(desc, scheme)
		id := r.fwd.Forward(context.Background(), nr, nil)
		r.logger.Info("request dispatched",
			"channel", channel,
			"forward_id", id,
			"method", nr.Method,
			"url", nr.URL,
		)
		return gatt.StatusSuccess
	}
}

func (r *Router) read(channel string, b store.Buffer) func(gatt.ReadResponseWriter, *gatt.ReadRequest) {
	return func(resp gatt.ReadResponseWriter, req *gatt.ReadRequest) {
		r.metrics.ChannelEvents.WithLabelValues(channel, "read").Inc()

		data := r.store.Read(b, req.Offset)
		if len(data) > req.Cap {
			data = data[:req.Cap]
		}
		if _, err := resp.Write(data); err != nil {
			r.logger.Error("read response", "channel", channel, "error", err)
			resp.SetStatus(gatt.StatusUnexpectedError)
		}
	}
}

// notify replaces the buffer's subscriber with one that forwards the
// token to n. The subscription is dropped once n reports Done.
func (r *Router) notify(channel string, b store.Buffer) func(gatt.Request, gatt.Notifier) {
	return func(req gatt.Request, n gatt.Notifier) {
		r.metrics.ChannelEvents.WithLabelValues(channel, "subscribe").Inc()
		r.logger.Debug("subscribed", "channel", channel, "peer", centralID(req.Central))

		var sub atomic.Uint64
		sub.Store(uint64(r.store.Subscribe(b, func(token []byte) {
			if n.Done() {
				// A newer subscriber may already own the slot.
				if r.store.UnsubscribeIf(b, store.Subscription(sub.Load())) {
					r.metrics.ChannelEvents.WithLabelValues(channel, "unsubscribe").Inc()
				}
				return
			}
			if len(token) > n.Cap() {
				token = token[:n.Cap()]
			}
			if _, err := n.Write(token); err != nil {
				r.logger.Warn("notification failed", "channel", channel, "error", err)
				return
			}
			r.metrics.Notifications.WithLabelValues(b.String()).Inc()
		})))
	}
}

func centralID(c gatt.Central) string {
	if c == nil {
		return ""
	}
	return c.ID()
}
