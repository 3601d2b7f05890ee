package server

import (
	"context"
	"fmt"
	"math"

	"github.com/erg0nix/notebookd/internal/core"
	"github.com/erg0nix/notebookd/internal/history"
	"github.com/erg0nix/notebookd/internal/pubsub"
	"github.com/erg0nix/notebookd/internal/session"
	"github.com/erg0nix/notebookd/internal/wire"
)

func (s *Server) routes() {
	s.router.Handle(wire.EventCellCreate, handle(s, func(ctx context.Context, sess *session.Session, p *wire.CellCreate) error {
		_, err := sess.InsertCell(ctx, p.Position(math.MaxInt), p.Cell())
		return err
	}))
	s.router.Handle(wire.EventCellUpdate, handle(s, func(ctx context.Context, sess *session.Session, p *wire.CellUpdate) error {
		_, err := sess.UpdateCell(ctx, p.ID, p.Patch)
		return err
	}))
	s.router.Handle(wire.EventCellDelete, handle(s, func(ctx context.Context, sess *session.Session, p *wire.CellRef) error {
		_, err := sess.DeleteCell(ctx, p.ID)
		return err
	}))
	s.router.Handle(wire.EventCellMove, handle(s, func(ctx context.Context, sess *session.Session, p *wire.CellMove) error {
		_, err := sess.MoveCell(ctx, p.ID, p.Index)
		return err
	}))
	s.router.Handle(wire.EventCellExec, handle(s, func(ctx context.Context, sess *session.Session, p *wire.CellRef) error {
		_, err := sess.Execute(ctx, p.ID)
		return err
	}))
	s.router.Handle(wire.EventCellStop, handle(s, func(_ context.Context, sess *session.Session, p *wire.CellRef) error {
		sess.Cancel(p.ID)
		return nil
	}))
	s.router.Handle(wire.EventDiffApply, handle(s, func(ctx context.Context, sess *session.Session, p *wire.DiffApply) error {
		_, err := sess.ApplyDiff(ctx, p.Files)
		return err
	}))
	s.router.Handle(wire.EventCommandApply, handle(s, func(ctx context.Context, sess *session.Session, p *wire.CommandApply) error {
		_, err := sess.ApplyCommand(ctx, history.Command{Command: p.Command, Packages: p.Packages})
		return err
	}))
	s.router.Handle(wire.EventHistoryAppend, handle(s, func(ctx context.Context, sess *session.Session, p *wire.HistoryAppend) error {
		_, err := sess.AppendHistory(ctx, p.Type, p.Text)
		return err
	}))
	s.router.Handle(wire.EventReset, handle(s, func(ctx context.Context, sess *session.Session, _ *wire.Reset) error {
		return sess.Reset(ctx)
	}))
	s.router.Handle(wire.EventUISubmit, handle(s, func(_ context.Context, sess *session.Session, p *wire.UISubmit) error {
		sess.SubmitInput(p.RequestID, p.Value)
		return nil
	}))
}

// handle decodes the payload of a routed message into P and resolves the
// session the connection is subscribed to.
func handle[P any](s *Server, fn func(ctx context.Context, sess *session.Session, payload *P) error) pubsub.HandlerFunc {
	return func(ctx context.Context, c *pubsub.Conn, msg wire.Message) error {
		in, err := wire.Decode(msg)
		if err != nil {
			return err
		}
		payload, ok := any(in).(*P)
		if !ok {
			return fmt.Errorf("server: %s: unexpected payload %T", msg.Event, in)
		}

		id, _ := core.SessionFromTopic(c.Topic())
		sess, err := s.manager.Get(id)
		if err != nil {
			return err
		}
		return fn(ctx, sess, payload)
	}
}
