package dag

import (
	"encoding/binary"
	"fmt"

	"txflow/internal/storage"
	"txflow/internal/txflow"
)

var (
	messagePrefix = []byte("m:") // m:<hash> -> encoded message
	seqPrefix     = []byte("s:") // s:<seq>  -> hash, admission order
)

func messageKey(h txflow.Hash) []byte {
	return append(append([]byte(nil), messagePrefix...), h[:]...)
}

func seqKey(seq uint64) []byte {
	k := make([]byte, len(seqPrefix)+8)
	copy(k, seqPrefix)
	binary.BigEndian.PutUint64(k[len(seqPrefix):], seq)
	return k
}

// persistLocked writes m and its admission index in one batch.
// A write failure is logged; the in-memory DAG stays authoritative.
func (s *Store) persistLocked(m *txflow.Message) {
	if s.db == nil {
		return
	}

	err := s.db.SetBatch([]storage.KeyValue{
		{Key: messageKey(m.Hash), Value: txflow.EncodeMessage(m)},
		{Key: seqKey(s.seq), Value: m.Hash[:]},
	})
	if err != nil {
		s.log.Error("persist message", "hash", m.Hash, "error", err)
	}
}

// replay reloads persisted messages in admission order. Messages were
// verified when first admitted, so only edges, heads and indices are rebuilt
// and no violation is reported again.
func (s *Store) replay() error {
	var order []txflow.Hash

	err := s.db.IteratePrefix(seqPrefix, func(_, value []byte) error {
		h, err := txflow.HashFromBytes(value)
		if err != nil {
			return err
		}

		order = append(order, h)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan admission index:\n%w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range order {
		data, err := s.db.Get(messageKey(h))
		if err != nil {
			return fmt.Errorf("load message %s:\n%w", h, err)
		}

		if data == nil {
			return fmt.Errorf("message %s indexed but missing", h)
		}

		m, err := txflow.DecodeMessage(data)
		if err != nil {
			return fmt.Errorf("decode message %s:\n%w", h, err)
		}

		s.insertLocked(m)
		s.advanceHeadsLocked(m)
	}

	if len(order) > 0 {
		s.log.Info("dag replayed", "messages", len(order))
	}

	return nil
}
