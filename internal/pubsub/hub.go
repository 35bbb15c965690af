package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Guizzs26/election_inspection_system/internal/inspection"
	"github.com/Guizzs26/election_inspection_system/internal/model"
)

type Registrar interface {
	Register(ctx context.Context, tableID int, party string, obs inspection.Observer) (*inspection.Registration, error)
}

type GatewayConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		PingInterval: 20 * time.Second,
		WriteTimeout: 10 * time.Second,
		SendBuffer:   32,
	}
}

// Gateway accepts inspector subscriptions over websocket. Each connection
// becomes one observer registered with the inspection service; the
// connection lives exactly as long as the registration.
type Gateway struct {
	registrar Registrar
	cfg       GatewayConfig
}

func NewGateway(r Registrar, cfg GatewayConfig) *Gateway {
	def := DefaultGatewayConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	return &Gateway{registrar: r, cfg: cfg}
}

func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.Handle("GET "+SubscribePath, g)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	tableID, err := strconv.Atoi(r.PathValue("table"))
	if err != nil {
		g.reject(ctx, conn, CodeInvalidRequest, fmt.Sprintf("table id %q is not a number", r.PathValue("table")))
		return
	}
	party := r.PathValue("party")

	c := &Client{
		Conn:   conn,
		Send:   make(chan []byte, g.cfg.SendBuffer),
		Key:    model.RegistrationKey{TableID: tableID, Party: party},
		closed: make(chan struct{}),
	}

	reg, err := g.registrar.Register(ctx, tableID, party, c)
	if err != nil {
		code := CodeInternal
		var illegal *inspection.IllegalElectionStateError
		switch {
		case errors.As(err, &illegal):
			code = CodeIllegalElectionState
		case errors.Is(err, inspection.ErrInvalidRegistration):
			code = CodeInvalidRequest
		default:
			log.Error().Err(err).Int("table_id", tableID).Str("party", party).Msg("Registration failed")
		}
		g.reject(ctx, conn, code, err.Error())
		return
	}
	c.reg = reg
	defer reg.Cancel()

	if err := c.write(ctx, g.cfg.WriteTimeout, Frame{Type: FrameRegistered, TableID: tableID, Party: party}); err != nil {
		log.Warn().Err(err).Int("table_id", tableID).Str("party", party).Msg("Failed to confirm registration")
		c.markClosed()
		conn.CloseNow()
		return
	}

	go c.WritePump(ctx, g.cfg)
	c.ReadPump(ctx)
}

func (g *Gateway) reject(ctx context.Context, conn *websocket.Conn, code, reason string) {
	b, _ := json.Marshal(Frame{Type: FrameRejected, Code: code, Reason: reason})

	wctx, cancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, b); err != nil {
		conn.CloseNow()
		return
	}
	conn.Close(websocket.StatusPolicyViolation, "registration rejected")
}

// Client is one connected inspector. It is the server side observer the
// inspection service pushes to.
type Client struct {
	Conn *websocket.Conn
	Send chan []byte
	Key  model.RegistrationKey

	reg       *inspection.Registration
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *Client) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// OnVoteAvailable queues the event for the write pump. It fails with
// inspection.ErrObserverUnreachable once the connection is gone.
func (c *Client) OnVoteAvailable(ctx context.Context, ev model.VoteEvent) error {
	b, err := json.Marshal(Frame{Type: FrameVote, Event: &ev})
	if err != nil {
		return fmt.Errorf("failed to encode vote frame: %w", err)
	}

	select {
	case <-c.closed:
		return inspection.ErrObserverUnreachable
	default:
	}

	select {
	case c.Send <- b:
		return nil
	case <-c.closed:
		return inspection.ErrObserverUnreachable
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) write(ctx context.Context, timeout time.Duration, f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Conn.Write(wctx, websocket.MessageText, b)
}

// WritePump sends queued frames and keepalive pings until the connection or
// the registration goes away.
func (c *Client) WritePump(ctx context.Context, cfg GatewayConfig) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()
	defer c.markClosed()

	var revoked <-chan struct{}
	if c.reg != nil {
		revoked = c.reg.Done()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-revoked:
			c.Conn.Close(websocket.StatusGoingAway, "registration revoked")
			return

		case m := <-c.Send:
			wctx, cancel := context.WithTimeout(ctx, cfg.WriteTimeout)
			err := c.Conn.Write(wctx, websocket.MessageText, m)
			cancel()
			if err != nil {
				log.Warn().Err(err).Int("table_id", c.Key.TableID).Str("party", c.Key.Party).Msg("Error writing to inspector")
				c.Conn.CloseNow()
				return
			}

		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, cfg.WriteTimeout)
			err := c.Conn.Ping(pctx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Int("table_id", c.Key.TableID).Str("party", c.Key.Party).Msg("Inspector stopped answering pings")
				c.Conn.CloseNow()
				return
			}
		}
	}
}

// ReadPump reads client frames until the connection closes or the inspector
// asks to unregister.
func (c *Client) ReadPump(ctx context.Context) {
	defer c.markClosed()

	for {
		_, data, err := c.Conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				log.Info().Int("table_id", c.Key.TableID).Str("party", c.Key.Party).Msg("Inspector disconnected")
			} else {
				log.Warn().Err(err).Int("table_id", c.Key.TableID).Str("party", c.Key.Party).Msg("Inspector connection lost")
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Debug().Err(err).Int("table_id", c.Key.TableID).Msg("Ignoring undecodable frame")
			continue
		}
		if f.Type == FrameUnregister {
			// The handler cancels the registration once the close completes.
			c.Conn.Close(websocket.StatusNormalClosure, "unregistered")
			return
		}
	}
}
