package store

import "bytes"

// Key layout: "<coin>!<table>!<subkey...>", each segment separated by '!'
// (never legal in a coin ticker or table name). Table prefixes match
// spec.md SPEC_FULL.md §3: h, h.addr, h.tag, h.amt, tx, tx.hash, wtx,
// wtx.hash, pending, at, gt, bb, wm, ctr.di, ctr.tag, ctr.txid, ctr.wtxid,
// bcast.

const sep = '!'

func coinKey(coin, table string, parts ...[]byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(coin)
	buf.WriteByte(sep)
	buf.WriteString(table)
	for _, p := range parts {
		buf.WriteByte(sep)
		buf.Write(p)
	}
	return buf.Bytes()
}

func coinPrefix(coin, table string) []byte {
	return append(coinKey(coin, table), sep)
}

// prefixUpperBound returns the smallest key strictly greater than every key
// with the given prefix, for use as a pebble IterOptions.UpperBound.
func prefixUpperBound(prefix []byte) []byte {
	hi := append([]byte(nil), prefix...)
	for i := len(hi) - 1; i >= 0; i-- {
		if hi[i] != 0xff {
			hi[i]++
			return hi[:i+1]
		}
	}
	return nil // prefix was all 0xff: unbounded
}

const (
	tableHandle       = "h"
	tableHandleByAddr = "h.addr"
	tableHandleByTag  = "h.tag"
	tableHandleByAmt  = "h.amt"
	tableTx           = "tx"
	tableTxByHash     = "tx.hash"
	tableWTx          = "wtx"
	tableWTxByHash    = "wtx.hash"
	tablePending      = "pending"
	tableAccountTot   = "at"
	tableGlobalTot    = "gt"
	tableBackendBal   = "bb"
	tableWatermark    = "wm"
	tableCtrDerive    = "ctr.di"
	tableCtrTag       = "ctr.tag"
	tableCtrTxID      = "ctr.txid"
	tableCtrWTxID     = "ctr.wtxid"
	tableBroadcast    = "bcast"
)

