package protos

import (
	"context"
	"io"
	"net"
	"strconv"

	"github.com/pkg/errors"

	"simple-stm/pkg/engines"
	"simple-stm/pkg/logger"
	"simple-stm/pkg/txns"
)

var (
	ErrNoTxn       = errors.New("no transaction begun")
	ErrTxnBegun    = errors.New("transaction already begun")
	ErrWouldBlock  = errors.New("await is not satisfied and a transaction cannot block")
	errBadArgCount = errors.New("wrong number of arguments")
)

type Handler struct {
	engine  *engines.StringEngine
	session *Session
}

func NewHandler(engine *engines.StringEngine) *Handler {
	return &Handler{
		engine:  engine,
		session: NewSession(),
	}
}

// Handle serves conn until the client hangs up, the stream breaks or ctx is done.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer h.session.Close()
	remote := conn.RemoteAddr().String()

	for {
		req, err := ParseCommand(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				logger.Inst.Debugw("connection closed", "remote", remote)
				return
			}
			if !errors.Is(err, ErrMalformed) {
				logger.Inst.Errorw("read command failed", "remote", remote, "err", err)
				return
			}
			logger.Inst.Warnw("malformed command", "remote", remote, "err", err)
			if err := NewErrorCommand(err).Send(conn); err != nil {
				logger.Inst.Errorw("send response failed", "remote", remote, "err", err)
				return
			}
			continue
		}

		resp := h.Execute(ctx, req)
		if err := resp.Send(conn); err != nil {
			logger.Inst.Errorw("send response failed", "remote", remote, "err", err)
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Execute runs one request. Outside BEGIN/COMMIT a request is its own atomic
// block, retried on conflicts; AWAIT blocks until the key holds the value.
func (h *Handler) Execute(ctx context.Context, req *Command) *Command {
	n := req.Type.arity()
	if n < 0 {
		return NewErrorCommand(errors.Errorf("%s is not a request", req.Type))
	}
	if len(req.Payload) != n {
		return NewErrorCommand(errors.Wrapf(errBadArgCount, "%s takes %d, got %d", req.Type, n, len(req.Payload)))
	}

	txn := h.session.GetTxn()
	switch req.Type {
	case Begin:
		if txn != nil {
			return NewErrorCommand(ErrTxnBegun)
		}
		h.session.SetTxn(h.engine.NewFatTxn())
		return NewCommand(None, nil)

	case Commit, Abort:
		if txn == nil {
			return NewErrorCommand(ErrNoTxn)
		}
		h.session.SetTxn(nil)
		var err error
		if req.Type == Commit {
			err = txn.Commit()
		} else {
			err = txn.Abort()
		}
		if err != nil {
			return NewErrorCommand(err)
		}
		return NewCommand(None, nil)
	}

	if txn != nil {
		resp, err := h.apply(txn, req)
		if errors.Is(err, txns.ErrRetry) {
			err = ErrWouldBlock
		}
		if err != nil {
			if !txn.IsAlive() {
				h.session.SetTxn(nil)
			}
			return NewErrorCommand(err)
		}
		return resp
	}

	var resp *Command
	err := h.engine.Atomic(ctx, func(ctx context.Context, txn *txns.Txn) (err error) {
		resp, err = h.apply(txn, req)
		return err
	})
	if err != nil {
		return NewErrorCommand(err)
	}
	return resp
}

func (h *Handler) apply(txn *txns.Txn, req *Command) (*Command, error) {
	switch req.Type {
	case Get:
		val, err := h.engine.Get(txn, req.Payload[0])
		if err != nil {
			return nil, err
		}
		return NewCommand(String, []string{val}), nil

	case Put:
		if err := h.engine.Put(txn, req.Payload[0], req.Payload[1]); err != nil {
			return nil, err
		}
		return NewCommand(None, nil), nil

	case Del:
		if err := h.engine.Del(txn, req.Payload[0]); err != nil {
			return nil, err
		}
		return NewCommand(None, nil), nil

	case Scan:
		count, err := strconv.Atoi(req.Payload[1])
		if err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		vals, err := h.engine.Scan(txn, req.Payload[0], count)
		if err != nil {
			return nil, err
		}
		return NewCommand(Strings, vals), nil

	case Await:
		if err := h.engine.Await(txn, req.Payload[0], req.Payload[1]); err != nil {
			return nil, err
		}
		return NewCommand(None, nil), nil

	default:
		return nil, errors.Errorf("invalid command type: type=%v", req.Type)
	}
}
