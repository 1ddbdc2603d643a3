package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"ticksync.io/internal/protocol"
	"ticksync.io/internal/transport"
)

// ErrRejected is returned by Dial when the relay refuses the peer for any
// reason other than the protocol version.
var ErrRejected = eris.New("rejected by relay")

type ClientOption func(*Client)

func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// WithProtocolVersion overrides the version announced in HELLO.
func WithProtocolVersion(v string) ClientOption {
	return func(c *Client) { c.version = v }
}

// Client is a transport.Transport over one relay connection.
type Client struct {
	conn    *websocket.Conn
	codec   *protocol.Codec
	log     zerolog.Logger
	version string

	welcome protocol.WelcomeMsg
	start   protocol.StartMsg

	inbox transport.Inbox
	out   chan []byte
	done  chan struct{}
	once  sync.Once
}

var _ transport.Transport = (*Client)(nil)

// Dial connects to a relay and blocks until the match starts. codec must
// know every command the session sends.
func Dial(ctx context.Context, url, name string, codec *protocol.Codec, opts ...ClientOption) (*Client, error) {
	c := &Client{
		codec:   codec,
		log:     zerolog.Nop(),
		version: protocol.Version,
		out:     make(chan []byte, outboxFrames),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "dial %s", url)
	}
	c.conn = conn

	// Unblock the handshake read if ctx ends first.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	err = c.handshake(name)
	if !stop() {
		_ = conn.Close()
		return nil, eris.Wrap(ctx.Err(), "waiting for match start")
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	c.log = c.log.With().Str("match", c.welcome.MatchID).Uint64("player", uint64(c.welcome.PlayerID)).Logger()
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

func (c *Client) handshake(name string) error {
	hello, err := c.codec.Encode(protocol.HelloMsg{ProtocolVersion: c.version, PlayerName: name})
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return eris.Wrap(err, "send HELLO")
	}

	gotWelcome := false
	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.ClosePolicyViolation && ce.Text == protocol.ErrProtoVersion {
				return eris.Wrap(protocol.ErrVersionMismatch, "relay closed the connection")
			}
			return transport.Lost("handshake", err)
		}
		msg, err := c.codec.Decode(b)
		if err != nil {
			c.log.Debug().Err(err).Msg("dropping frame during handshake")
			continue
		}
		switch m := msg.(type) {
		case protocol.RejectMsg:
			if m.Code == protocol.ErrProtoVersion {
				return eris.Wrapf(protocol.ErrVersionMismatch, "relay: %s", m.Message)
			}
			return eris.Wrapf(ErrRejected, "%s: %s", m.Code, m.Message)
		case protocol.WelcomeMsg:
			c.welcome = m
			gotWelcome = true
		case protocol.StartMsg:
			if !gotWelcome {
				return eris.Wrap(ErrRejected, "START before WELCOME")
			}
			c.start = m
			c.log.Info().Str("match", m.MatchID).Int("players", len(m.Players)).Msg("match started")
			return nil
		default:
			c.inbox.Push(msg)
		}
	}
}

func (c *Client) PlayerID() protocol.PlayerID { return c.welcome.PlayerID }
func (c *Client) MatchID() string             { return c.welcome.MatchID }

// Start is the START frame the relay sent for this match.
func (c *Client) Start() protocol.StartMsg { return c.start }

func (c *Client) SendToAll(msg protocol.Message) error {
	select {
	case <-c.done:
		err := c.inbox.Err()
		if err == nil {
			err = transport.Lost("closed", nil)
		}
		return err
	default:
	}
	b, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case c.out <- b:
		return nil
	default:
		lost := transport.Lost("send buffer full", nil)
		c.inbox.Fail(lost)
		c.shutdown()
		return lost
	}
}

func (c *Client) ReceiveAll() ([]protocol.Message, error) {
	return c.inbox.Drain()
}

func (c *Client) Close() error {
	c.inbox.Fail(transport.Lost("closed", nil))
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) readLoop() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	defer c.shutdown()
	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			c.inbox.Fail(transport.Lost("read", err))
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		msg, err := c.codec.Decode(b)
		if err != nil {
			c.log.Debug().Err(err).Msg("dropping frame")
			continue
		}
		switch m := msg.(type) {
		case *protocol.CommandPacket, *protocol.CheckupHashPacket, protocol.PlayerLeftMsg:
			c.inbox.Push(m)
		case protocol.RejectMsg:
			c.inbox.Fail(transport.Lost("rejected: "+m.Code, nil))
			return
		default:
			c.log.Debug().Str("type", msg.MessageType()).Msg("ignoring frame")
		}
	}
}

func (c *Client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	defer c.conn.Close()
	for {
		select {
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case b := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.inbox.Fail(transport.Lost("write", err))
				c.shutdown()
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.inbox.Fail(transport.Lost("ping", err))
				c.shutdown()
				return
			}
		}
	}
}

// flush writes what SendToAll queued before Close.
func (c *Client) flush() {
	for {
		select {
		case b := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		default:
			return
		}
	}
}
