package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/openmesa/appcore/pkg/commsutil"
)

const natsLogPrefix = "transport:nats"

// NATSOptions configures the NATS request/reply transport.
type NATSOptions struct {
	// URL of the broker, default nats.DefaultURL.
	URL string
	// Subject requests arrive on, default commsutil.SubjectMCP.
	Subject string
	// Name shown to the broker for this connection.
	Name string
}

type natsInbound struct {
	data  []byte
	reply string
}

// NATS serves the protocol over request/reply on one subject. Inbound
// messages are JSON-RPC envelopes; the response is published to the
// requester's reply subject and server-initiated notifications go to the
// events subject where any client can watch them.
type NATS struct {
	opts NATSOptions

	nc  *nats.Conn
	sub *nats.Subscription

	inbound chan natsInbound

	pendingMu sync.Mutex
	pending   string

	done      chan struct{}
	closeOnce sync.Once
}

// NewNATS builds the transport without dialing; Connect does that.
func NewNATS(opts NATSOptions) *NATS {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.Subject == "" {
		opts.Subject = commsutil.SubjectMCP
	}
	if opts.Name == "" {
		opts.Name = "appcore-mcp"
	}
	return &NATS{
		opts:    opts,
		inbound: make(chan natsInbound, inboundBufferSize),
		done:    make(chan struct{}),
	}
}

// Connect dials the broker and subscribes to the request subject.
func (t *NATS) Connect() error {
	nc, err := commsutil.Connect(t.opts.URL, t.opts.Name)
	if err != nil {
		return err
	}
	sub, err := nc.Subscribe(t.opts.Subject, t.handleMsg)
	if err != nil {
		nc.Close()
		return fmt.Errorf("%s - subscribe %s: %w", natsLogPrefix, t.opts.Subject, err)
	}
	t.nc = nc
	t.sub = sub
	slog.Info(fmt.Sprintf("%s - serving on subject %s", natsLogPrefix, t.opts.Subject))
	return nil
}

func (t *NATS) handleMsg(msg *nats.Msg) {
	select {
	case t.inbound <- natsInbound{data: msg.Data, reply: msg.Reply}:
	case <-t.done:
	}
}

// ReadMessage hands the protocol server the next inbound envelope.
func (t *NATS) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case in := <-t.inbound:
		t.pendingMu.Lock()
		t.pending = in.reply
		t.pendingMu.Unlock()
		return in.data, nil
	case <-t.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteMessage publishes the response to the reply subject of the
// message being answered. A request published without a reply subject
// has nowhere to receive the response, so it is dropped.
func (t *NATS) WriteMessage(_ context.Context, data []byte) error {
	t.pendingMu.Lock()
	reply := t.pending
	t.pending = ""
	t.pendingMu.Unlock()
	if reply == "" {
		slog.Debug(fmt.Sprintf("%s - dropping response, request carried no reply subject", natsLogPrefix))
		return nil
	}
	if err := t.nc.Publish(reply, data); err != nil {
		return fmt.Errorf("%s - publish response: %w", natsLogPrefix, err)
	}
	return nil
}

// WriteNotification publishes to the events subject.
func (t *NATS) WriteNotification(_ context.Context, data []byte) error {
	subject := commsutil.BuildEventsSubject(t.opts.Subject)
	if err := t.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("%s - publish notification: %w", natsLogPrefix, err)
	}
	return nil
}

// Close drains the connection so replies for requests already read still
// go out before the socket drops.
func (t *NATS) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return commsutil.Drain(t.nc)
}
