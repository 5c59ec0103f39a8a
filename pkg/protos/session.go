package protos

import "simple-stm/pkg/txns"

// Session is the state of one connection: the interactive transaction opened by
// BEGIN, if any.
type Session struct {
	txn *txns.Txn
}

func NewSession() *Session {
	return &Session{}
}

func (s *Session) GetTxn() *txns.Txn {
	return s.txn
}

func (s *Session) SetTxn(txn *txns.Txn) {
	s.txn = txn
}

// Close aborts a transaction left open by the client.
func (s *Session) Close() {
	if s.txn != nil && s.txn.IsAlive() {
		_ = s.txn.Abort()
	}
	s.txn = nil
}
