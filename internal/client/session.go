package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Guizzs26/election_inspection_system/internal/inspection"
	"github.com/Guizzs26/election_inspection_system/internal/pubsub"
)

// CommunicationError means the server could not be reached or the
// connection broke. It is never a business decision of the server.
type CommunicationError struct {
	Op  string
	Err error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("remote communication failed: %s: %v", e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error {
	return e.Err
}

// RejectionError is a refusal that is not an election-state rule, such as
// an unknown polling place.
type RejectionError struct {
	Code   string
	Reason string
}

func (e *RejectionError) Error() string {
	return e.Reason
}

func SubscribeURL(addr string, tableID int, party string) string {
	return fmt.Sprintf("ws://%s/ws/inspect/%s/%s", addr, strconv.Itoa(tableID), url.PathEscape(party))
}

// Session is a live registration: the connection the server pushes events
// over. Closing it unregisters the handle.
type Session struct {
	conn   *websocket.Conn
	handle *Handle

	closeOnce sync.Once
	closeErr  error
}

// Register dials the server and registers h. Election-state rejections come
// back as *inspection.IllegalElectionStateError; the connection opened for
// the rejected handle is released before returning.
func Register(ctx context.Context, addr string, h *Handle, timeout time.Duration) (*Session, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.Dial(dctx, SubscribeURL(addr, h.TableID(), h.Party()), nil)
	if err != nil {
		return nil, &CommunicationError{Op: "dial", Err: err}
	}

	_, data, err := conn.Read(dctx)
	if err != nil {
		conn.CloseNow()
		return nil, &CommunicationError{Op: "read registration reply", Err: err}
	}

	var f pubsub.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		conn.CloseNow()
		return nil, &CommunicationError{Op: "decode registration reply", Err: err}
	}

	switch f.Type {
	case pubsub.FrameRegistered:
		return &Session{conn: conn, handle: h}, nil
	case pubsub.FrameRejected:
		conn.CloseNow()
		if f.Code == pubsub.CodeIllegalElectionState {
			return nil, &inspection.IllegalElectionStateError{Reason: f.Reason}
		}
		return nil, &RejectionError{Code: f.Code, Reason: f.Reason}
	default:
		conn.CloseNow()
		return nil, &CommunicationError{Op: "registration reply", Err: fmt.Errorf("unexpected frame %q", f.Type)}
	}
}

// Listen hands pushed events to the handle until ctx is cancelled (clean
// unregister, nil error) or the connection is lost (*CommunicationError).
func (s *Session) Listen(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.Unregister(context.Background())
	})
	defer stop()

	for {
		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &CommunicationError{Op: "listen", Err: err}
		}

		var f pubsub.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.Type == pubsub.FrameVote && f.Event != nil {
			s.handle.OnVoteAvailable(ctx, *f.Event)
		}
	}
}

// Unregister tells the server to drop the registration and closes the
// connection. Safe to call more than once.
func (s *Session) Unregister(ctx context.Context) error {
	s.closeOnce.Do(func() {
		b, _ := json.Marshal(pubsub.Frame{Type: pubsub.FrameUnregister})

		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.conn.Write(wctx, websocket.MessageText, b); err != nil {
			s.closeErr = &CommunicationError{Op: "unregister", Err: err}
			s.conn.CloseNow()
			return
		}
		s.conn.Close(websocket.StatusNormalClosure, "inspector exit")
	})
	return s.closeErr
}
