// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Message is anything that can appear as a frame payload.
type Message interface {
	Command() Command
	Encode() ([]byte, error)
}

const (
	maxAddrPerMsg = 1000
	// maxAddrDecode bounds decoding against pathological input; the
	// 1000-entry business limit itself is enforced by the peer layer
	// so an oversize addr can be ban-scored rather than just dropped.
	maxAddrDecode    = 10_000
	maxInvPerMsg     = 50000
	maxHeadersPerMsg = 2000
	maxLocatorHashes = 101
	maxVarDataLen    = MaxPayload
)

// --- version / verack ---------------------------------------------------

type MsgVersion struct {
	ProtocolVersion uint32
	Services        uint32
	Timestamp       int64
	AddrRecv        NetAddress
	AddrFrom        NetAddress
	Nonce           uint64
	UserAgent       string
	StartHeight     int32
}

func (m *MsgVersion) Command() Command { return CmdVersion }

func (m *MsgVersion) Encode() ([]byte, error) {
	var buf bytes.Buffer
	writeU32(&buf, m.ProtocolVersion)
	writeU32(&buf, m.Services)
	writeU64(&buf, uint64(m.Timestamp))
	writeNetAddress(&buf, m.AddrRecv)
	writeNetAddress(&buf, m.AddrFrom)
	writeU64(&buf, m.Nonce)
	writeVarString(&buf, m.UserAgent)
	writeU32(&buf, uint32(m.StartHeight))
	return buf.Bytes(), nil
}

func decodeVersion(r *bytes.Reader) (*MsgVersion, error) {
	m := &MsgVersion{}
	var err error
	if m.ProtocolVersion, err = readU32(r); err != nil {
		return nil, err
	}
	if m.Services, err = readU32(r); err != nil {
		return nil, err
	}
	ts, err := readU64(r)
	if err != nil {
		return nil, err
	}
	m.Timestamp = int64(ts)
	if m.AddrRecv, err = readNetAddress(r); err != nil {
		return nil, err
	}
	if m.AddrFrom, err = readNetAddress(r); err != nil {
		return nil, err
	}
	if m.Nonce, err = readU64(r); err != nil {
		return nil, err
	}
	if m.UserAgent, err = readVarString(r, 256); err != nil {
		return nil, err
	}
	h, err := readU32(r)
	if err != nil {
		return nil, err
	}
	m.StartHeight = int32(h)
	return m, nil
}

type MsgVerAck struct{}

func (m *MsgVerAck) Command() Command        { return CmdVerAck }
func (m *MsgVerAck) Encode() ([]byte, error) { return nil, nil }

// --- ping / pong ---------------------------------------------------------

type MsgPing struct{ Nonce uint64 }

func (m *MsgPing) Command() Command { return CmdPing }
func (m *MsgPing) Encode() ([]byte, error) {
	var buf bytes.Buffer
	writeU64(&buf, m.Nonce)
	return buf.Bytes(), nil
}

func decodePing(r *bytes.Reader) (*MsgPing, error) {
	n, err := readU64(r)
	if err != nil {
		return nil, err
	}
	return &MsgPing{Nonce: n}, nil
}

type MsgPong struct{ Nonce uint64 }

func (m *MsgPong) Command() Command { return CmdPong }
func (m *MsgPong) Encode() ([]byte, error) {
	var buf bytes.Buffer
	writeU64(&buf, m.Nonce)
	return buf.Bytes(), nil
}

func decodePong(r *bytes.Reader) (*MsgPong, error) {
	n, err := readU64(r)
	if err != nil {
		return nil, err
	}
	return &MsgPong{Nonce: n}, nil
}

// --- getaddr / addr --------------------------------------------------------

type MsgGetAddr struct{}

func (m *MsgGetAddr) Command() Command        { return CmdGetAddr }
func (m *MsgGetAddr) Encode() ([]byte, error) { return nil, nil }

type MsgAddr struct {
	Addrs []NetAddress
}

func (m *MsgAddr) Command() Command { return CmdAddr }
func (m *MsgAddr) Encode() ([]byte, error) {
	if len(m.Addrs) > maxAddrPerMsg {
		return nil, fmt.Errorf("addr: too many addresses: %v", len(m.Addrs))
	}
	var buf bytes.Buffer
	writeVarInt(&buf, uint64(len(m.Addrs)))
	for _, a := range m.Addrs {
		writeNetAddress(&buf, a)
	}
	return buf.Bytes(), nil
}

func decodeAddr(r *bytes.Reader) (*MsgAddr, error) {
	n, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if n > maxAddrDecode {
		return nil, fmt.Errorf("addr: too many addresses: %v", n)
	}
	m := &MsgAddr{Addrs: make([]NetAddress, 0, n)}
	for i := uint64(0); i < n; i++ {
		a, err := readNetAddress(r)
		if err != nil {
			return nil, err
		}
		m.Addrs = append(m.Addrs, a)
	}
	return m, nil
}

// --- inventory -------------------------------------------------------------

// InvType is the kind of item advertised in an inv/getdata/notfound.
type InvType uint32

const (
	InvBlock InvType = iota
	InvTx
	InvClaim
	InvAirdrop
	InvFilteredBlock
	InvCmpctBlock
)

type InvVect struct {
	Type InvType
	Hash chainhash.Hash
}

func writeInvVects(buf *bytes.Buffer, items []InvVect, max int) error {
	if len(items) > max {
		return fmt.Errorf("inventory: too many items: %v", len(items))
	}
	writeVarInt(buf, uint64(len(items)))
	for _, iv := range items {
		writeU32(buf, uint32(iv.Type))
		writeHash(buf, iv.Hash)
	}
	return nil
}

func readInvVects(r *bytes.Reader, max int) ([]InvVect, error) {
	n, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(max) {
		return nil, fmt.Errorf("inventory: too many items: %v", n)
	}
	items := make([]InvVect, 0, n)
	for i := uint64(0); i < n; i++ {
		t, err := readU32(r)
		if err != nil {
			return nil, err
		}
		h, err := readHash(r)
		if err != nil {
			return nil, err
		}
		items = append(items, InvVect{Type: InvType(t), Hash: h})
	}
	return items, nil
}

type MsgInv struct{ Items []InvVect }

func (m *MsgInv) Command() Command { return CmdInv }
func (m *MsgInv) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeInvVects(&buf, m.Items, maxInvPerMsg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeInv(r *bytes.Reader) (*MsgInv, error) {
	items, err := readInvVects(r, maxInvPerMsg)
	if err != nil {
		return nil, err
	}
	return &MsgInv{Items: items}, nil
}

type MsgGetData struct{ Items []InvVect }

func (m *MsgGetData) Command() Command { return CmdGetData }
func (m *MsgGetData) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeInvVects(&buf, m.Items, maxInvPerMsg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGetData(r *bytes.Reader) (*MsgGetData, error) {
	items, err := readInvVects(r, maxInvPerMsg)
	if err != nil {
		return nil, err
	}
	return &MsgGetData{Items: items}, nil
}

type MsgNotFound struct{ Items []InvVect }

func (m *MsgNotFound) Command() Command { return CmdNotFound }
func (m *MsgNotFound) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeInvVects(&buf, m.Items, maxInvPerMsg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeNotFound(r *bytes.Reader) (*MsgNotFound, error) {
	items, err := readInvVects(r, maxInvPerMsg)
	if err != nil {
		return nil, err
	}
	return &MsgNotFound{Items: items}, nil
}

// --- locator based requests -------------------------------------------------

type locatorMsg struct {
	Locator []chainhash.Hash
	Stop    chainhash.Hash
}

func (m *locatorMsg) encode() ([]byte, error) {
	if len(m.Locator) > maxLocatorHashes {
		return nil, fmt.Errorf("locator: too many hashes: %v", len(m.Locator))
	}
	var buf bytes.Buffer
	writeVarInt(&buf, uint64(len(m.Locator)))
	for _, h := range m.Locator {
		writeHash(&buf, h)
	}
	writeHash(&buf, m.Stop)
	return buf.Bytes(), nil
}

func decodeLocator(r *bytes.Reader) (*locatorMsg, error) {
	n, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if n > maxLocatorHashes {
		return nil, fmt.Errorf("locator: too many hashes: %v", n)
	}
	m := &locatorMsg{Locator: make([]chainhash.Hash, 0, n)}
	for i := uint64(0); i < n; i++ {
		h, err := readHash(r)
		if err != nil {
			return nil, err
		}
		m.Locator = append(m.Locator, h)
	}
	if m.Stop, err = readHash(r); err != nil {
		return nil, err
	}
	return m, nil
}

type MsgGetBlocks struct{ locatorMsg }

// NewGetBlocks builds a getblocks request for locator stopping at stop
// (a zero hash requests as many as the peer will send).
func NewGetBlocks(locator []chainhash.Hash, stop chainhash.Hash) *MsgGetBlocks {
	return &MsgGetBlocks{locatorMsg{Locator: locator, Stop: stop}}
}

func (m *MsgGetBlocks) Command() Command        { return CmdGetBlocks }
func (m *MsgGetBlocks) Encode() ([]byte, error) { return m.locatorMsg.encode() }
func (m *MsgGetBlocks) GetLocator() []chainhash.Hash { return m.Locator }
func (m *MsgGetBlocks) GetStop() chainhash.Hash      { return m.Stop }

func decodeGetBlocks(r *bytes.Reader) (*MsgGetBlocks, error) {
	l, err := decodeLocator(r)
	if err != nil {
		return nil, err
	}
	return &MsgGetBlocks{locatorMsg: *l}, nil
}

type MsgGetHeaders struct{ locatorMsg }

// NewGetHeaders builds a getheaders request for locator stopping at
// stop.
func NewGetHeaders(locator []chainhash.Hash, stop chainhash.Hash) *MsgGetHeaders {
	return &MsgGetHeaders{locatorMsg{Locator: locator, Stop: stop}}
}

func (m *MsgGetHeaders) Command() Command        { return CmdGetHeaders }
func (m *MsgGetHeaders) Encode() ([]byte, error) { return m.locatorMsg.encode() }
func (m *MsgGetHeaders) GetLocator() []chainhash.Hash { return m.Locator }
func (m *MsgGetHeaders) GetStop() chainhash.Hash      { return m.Stop }

func decodeGetHeaders(r *bytes.Reader) (*MsgGetHeaders, error) {
	l, err := decodeLocator(r)
	if err != nil {
		return nil, err
	}
	return &MsgGetHeaders{locatorMsg: *l}, nil
}

// --- headers -----------------------------------------------------------

// BlockHeader is the opaque 80-byte header payload plus transaction
// count, matching the wire shape used to answer getheaders.
type BlockHeader struct {
	Raw   [80]byte
	NumTx uint64
}

func (h BlockHeader) Hash() chainhash.Hash {
	return chainhash.DoubleHashH(h.Raw[:])
}

func (h BlockHeader) PrevHash() chainhash.Hash {
	var p chainhash.Hash
	copy(p[:], h.Raw[4:36])
	return p
}

type MsgHeaders struct{ Headers []BlockHeader }

func (m *MsgHeaders) Command() Command { return CmdHeaders }
func (m *MsgHeaders) Encode() ([]byte, error) {
	if len(m.Headers) > maxHeadersPerMsg {
		return nil, fmt.Errorf("headers: too many: %v", len(m.Headers))
	}
	var buf bytes.Buffer
	writeVarInt(&buf, uint64(len(m.Headers)))
	for _, h := range m.Headers {
		buf.Write(h.Raw[:])
		writeVarInt(&buf, h.NumTx)
	}
	return buf.Bytes(), nil
}

func decodeHeaders(r *bytes.Reader) (*MsgHeaders, error) {
	n, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if n > maxHeadersPerMsg {
		return nil, fmt.Errorf("headers: too many: %v", n)
	}
	m := &MsgHeaders{Headers: make([]BlockHeader, 0, n)}
	for i := uint64(0); i < n; i++ {
		var h BlockHeader
		if _, err := readFullInto(r, h.Raw[:]); err != nil {
			return nil, err
		}
		if h.NumTx, err = readVarInt(r); err != nil {
			return nil, err
		}
		m.Headers = append(m.Headers, h)
	}
	return m, nil
}

func readFullInto(r *bytes.Reader, b []byte) (int, error) {
	return io.ReadFull(r, b)
}

type MsgSendHeaders struct{}

func (m *MsgSendHeaders) Command() Command        { return CmdSendHeaders }
func (m *MsgSendHeaders) Encode() ([]byte, error) { return nil, nil }

// --- block / tx (opaque payload; consensus decode is out of scope) ------

type MsgBlock struct{ Raw []byte }

func (m *MsgBlock) Command() Command { return CmdBlock }
func (m *MsgBlock) Encode() ([]byte, error) {
	var buf bytes.Buffer
	writeVarBytes(&buf, m.Raw)
	return buf.Bytes(), nil
}

func decodeBlock(r *bytes.Reader) (*MsgBlock, error) {
	raw, err := readVarBytes(r, maxVarDataLen)
	if err != nil {
		return nil, err
	}
	return &MsgBlock{Raw: raw}, nil
}

type MsgTx struct{ Raw []byte }

func (m *MsgTx) Command() Command { return CmdTx }
func (m *MsgTx) Encode() ([]byte, error) {
	var buf bytes.Buffer
	writeVarBytes(&buf, m.Raw)
	return buf.Bytes(), nil
}

func decodeTx(r *bytes.Reader) (*MsgTx, error) {
	raw, err := readVarBytes(r, maxVarDataLen)
	if err != nil {
		return nil, err
	}
	return &MsgTx{Raw: raw}, nil
}

type MsgClaim struct{ Raw []byte }

func (m *MsgClaim) Command() Command { return CmdClaim }
func (m *MsgClaim) Encode() ([]byte, error) {
	var buf bytes.Buffer
	writeVarBytes(&buf, m.Raw)
	return buf.Bytes(), nil
}

func decodeClaim(r *bytes.Reader) (*MsgClaim, error) {
	raw, err := readVarBytes(r, maxVarDataLen)
	if err != nil {
		return nil, err
	}
	return &MsgClaim{Raw: raw}, nil
}

type MsgAirdrop struct{ Raw []byte }

func (m *MsgAirdrop) Command() Command { return CmdAirdrop }
func (m *MsgAirdrop) Encode() ([]byte, error) {
	var buf bytes.Buffer
	writeVarBytes(&buf, m.Raw)
	return buf.Bytes(), nil
}

func decodeAirdrop(r *bytes.Reader) (*MsgAirdrop, error) {
	raw, err := readVarBytes(r, maxVarDataLen)
	if err != nil {
		return nil, err
	}
	return &MsgAirdrop{Raw: raw}, nil
}

// --- reject ---------------------------------------------------------------

type MsgReject struct {
	RejectedCommand Command
	Code            byte
	Reason          string
	Hash            chainhash.Hash
}

func (m *MsgReject) Command() Command { return CmdReject }

func (m *MsgReject) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.RejectedCommand))
	buf.WriteByte(m.Code)
	writeVarString(&buf, m.Reason)
	writeHash(&buf, m.Hash)
	return buf.Bytes(), nil
}

func decodeReject(r *bytes.Reader) (*MsgReject, error) {
	m := &MsgReject{}
	cmd, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	m.RejectedCommand = Command(cmd)
	if m.Code, err = r.ReadByte(); err != nil {
		return nil, err
	}
	if m.Reason, err = readVarString(r, 256); err != nil {
		return nil, err
	}
	if m.Hash, err = readHash(r); err != nil {
		return nil, err
	}
	return m, nil
}

// --- mempool / feefilter / sendcmpct / filters -----------------------------

type MsgMempool struct{}

func (m *MsgMempool) Command() Command        { return CmdMempool }
func (m *MsgMempool) Encode() ([]byte, error) { return nil, nil }

type MsgFeeFilter struct{ FeeRate uint64 }

func (m *MsgFeeFilter) Command() Command { return CmdFeeFilter }
func (m *MsgFeeFilter) Encode() ([]byte, error) {
	var buf bytes.Buffer
	writeU64(&buf, m.FeeRate)
	return buf.Bytes(), nil
}

func decodeFeeFilter(r *bytes.Reader) (*MsgFeeFilter, error) {
	v, err := readU64(r)
	if err != nil {
		return nil, err
	}
	return &MsgFeeFilter{FeeRate: v}, nil
}

type MsgSendCmpct struct {
	Announce bool
	Mode     uint64
}

func (m *MsgSendCmpct) Command() Command { return CmdSendCmpct }
func (m *MsgSendCmpct) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if m.Announce {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeU64(&buf, m.Mode)
	return buf.Bytes(), nil
}

func decodeSendCmpct(r *bytes.Reader) (*MsgSendCmpct, error) {
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	mode, err := readU64(r)
	if err != nil {
		return nil, err
	}
	return &MsgSendCmpct{Announce: b != 0, Mode: mode}, nil
}

type MsgFilterLoad struct {
	Filter    []byte
	NumHashes uint32
	Tweak     uint32
}

func (m *MsgFilterLoad) Command() Command { return CmdFilterLoad }
func (m *MsgFilterLoad) Encode() ([]byte, error) {
	var buf bytes.Buffer
	writeVarBytes(&buf, m.Filter)
	writeU32(&buf, m.NumHashes)
	writeU32(&buf, m.Tweak)
	return buf.Bytes(), nil
}

func decodeFilterLoad(r *bytes.Reader) (*MsgFilterLoad, error) {
	m := &MsgFilterLoad{}
	var err error
	if m.Filter, err = readVarBytes(r, 36000); err != nil {
		return nil, err
	}
	if m.NumHashes, err = readU32(r); err != nil {
		return nil, err
	}
	if m.Tweak, err = readU32(r); err != nil {
		return nil, err
	}
	return m, nil
}

type MsgFilterAdd struct{ Data []byte }

func (m *MsgFilterAdd) Command() Command { return CmdFilterAdd }
func (m *MsgFilterAdd) Encode() ([]byte, error) {
	var buf bytes.Buffer
	writeVarBytes(&buf, m.Data)
	return buf.Bytes(), nil
}

func decodeFilterAdd(r *bytes.Reader) (*MsgFilterAdd, error) {
	d, err := readVarBytes(r, 520)
	if err != nil {
		return nil, err
	}
	return &MsgFilterAdd{Data: d}, nil
}

type MsgFilterClear struct{}

func (m *MsgFilterClear) Command() Command        { return CmdFilterClear }
func (m *MsgFilterClear) Encode() ([]byte, error) { return nil, nil }

// --- merkleblock ------------------------------------------------------------

type MsgMerkleBlock struct {
	Header  BlockHeader
	TotalTx uint32
	Hashes  []chainhash.Hash
	Flags   []byte
}

func (m *MsgMerkleBlock) Command() Command { return CmdMerkleBlock }
func (m *MsgMerkleBlock) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(m.Header.Raw[:])
	writeU32(&buf, m.TotalTx)
	writeVarInt(&buf, uint64(len(m.Hashes)))
	for _, h := range m.Hashes {
		writeHash(&buf, h)
	}
	writeVarBytes(&buf, m.Flags)
	return buf.Bytes(), nil
}

func decodeMerkleBlock(r *bytes.Reader) (*MsgMerkleBlock, error) {
	m := &MsgMerkleBlock{}
	if _, err := readFullInto(r, m.Header.Raw[:]); err != nil {
		return nil, err
	}
	var err error
	if m.TotalTx, err = readU32(r); err != nil {
		return nil, err
	}
	n, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if n > maxInvPerMsg {
		return nil, fmt.Errorf("merkleblock: too many hashes: %v", n)
	}
	m.Hashes = make([]chainhash.Hash, 0, n)
	for i := uint64(0); i < n; i++ {
		h, err := readHash(r)
		if err != nil {
			return nil, err
		}
		m.Hashes = append(m.Hashes, h)
	}
	if m.Flags, err = readVarBytes(r, 4096); err != nil {
		return nil, err
	}
	return m, nil
}

// --- compact blocks ----------------------------------------------------------

type PrefilledTx struct {
	Index uint64
	Raw   []byte
}

type MsgCmpctBlock struct {
	Header       BlockHeader
	Nonce        uint64
	ShortIDs     [][6]byte
	PrefilledTxs []PrefilledTx
}

func (m *MsgCmpctBlock) Command() Command { return CmdCmpctBlock }
func (m *MsgCmpctBlock) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(m.Header.Raw[:])
	writeU64(&buf, m.Nonce)
	writeVarInt(&buf, uint64(len(m.ShortIDs)))
	for _, s := range m.ShortIDs {
		buf.Write(s[:])
	}
	writeVarInt(&buf, uint64(len(m.PrefilledTxs)))
	for _, p := range m.PrefilledTxs {
		writeVarInt(&buf, p.Index)
		writeVarBytes(&buf, p.Raw)
	}
	return buf.Bytes(), nil
}

func decodeCmpctBlock(r *bytes.Reader) (*MsgCmpctBlock, error) {
	m := &MsgCmpctBlock{}
	if _, err := readFullInto(r, m.Header.Raw[:]); err != nil {
		return nil, err
	}
	var err error
	if m.Nonce, err = readU64(r); err != nil {
		return nil, err
	}
	n, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if n > maxInvPerMsg {
		return nil, fmt.Errorf("cmpctblock: too many short ids: %v", n)
	}
	m.ShortIDs = make([][6]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		var s [6]byte
		if _, err := readFullInto(r, s[:]); err != nil {
			return nil, err
		}
		m.ShortIDs = append(m.ShortIDs, s)
	}
	pn, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if pn > maxInvPerMsg {
		return nil, fmt.Errorf("cmpctblock: too many prefilled txs: %v", pn)
	}
	m.PrefilledTxs = make([]PrefilledTx, 0, pn)
	for i := uint64(0); i < pn; i++ {
		idx, err := readVarInt(r)
		if err != nil {
			return nil, err
		}
		raw, err := readVarBytes(r, maxVarDataLen)
		if err != nil {
			return nil, err
		}
		m.PrefilledTxs = append(m.PrefilledTxs, PrefilledTx{Index: idx, Raw: raw})
	}
	return m, nil
}

type MsgGetBlockTxn struct {
	BlockHash chainhash.Hash
	Indexes   []uint64
}

func (m *MsgGetBlockTxn) Command() Command { return CmdGetBlockTxn }
func (m *MsgGetBlockTxn) Encode() ([]byte, error) {
	var buf bytes.Buffer
	writeHash(&buf, m.BlockHash)
	writeVarInt(&buf, uint64(len(m.Indexes)))
	for _, idx := range m.Indexes {
		writeVarInt(&buf, idx)
	}
	return buf.Bytes(), nil
}

func decodeGetBlockTxn(r *bytes.Reader) (*MsgGetBlockTxn, error) {
	m := &MsgGetBlockTxn{}
	var err error
	if m.BlockHash, err = readHash(r); err != nil {
		return nil, err
	}
	n, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if n > maxInvPerMsg {
		return nil, fmt.Errorf("getblocktxn: too many indexes: %v", n)
	}
	m.Indexes = make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		idx, err := readVarInt(r)
		if err != nil {
			return nil, err
		}
		m.Indexes = append(m.Indexes, idx)
	}
	return m, nil
}

type MsgBlockTxn struct {
	BlockHash chainhash.Hash
	Txs       [][]byte
}

func (m *MsgBlockTxn) Command() Command { return CmdBlockTxn }
func (m *MsgBlockTxn) Encode() ([]byte, error) {
	var buf bytes.Buffer
	writeHash(&buf, m.BlockHash)
	writeVarInt(&buf, uint64(len(m.Txs)))
	for _, tx := range m.Txs {
		writeVarBytes(&buf, tx)
	}
	return buf.Bytes(), nil
}

func decodeBlockTxn(r *bytes.Reader) (*MsgBlockTxn, error) {
	m := &MsgBlockTxn{}
	var err error
	if m.BlockHash, err = readHash(r); err != nil {
		return nil, err
	}
	n, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if n > maxInvPerMsg {
		return nil, fmt.Errorf("blocktxn: too many txs: %v", n)
	}
	m.Txs = make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		tx, err := readVarBytes(r, maxVarDataLen)
		if err != nil {
			return nil, err
		}
		m.Txs = append(m.Txs, tx)
	}
	return m, nil
}

// --- name proofs -------------------------------------------------------------

type MsgGetProof struct {
	Root     chainhash.Hash
	NameHash chainhash.Hash
}

func (m *MsgGetProof) Command() Command { return CmdGetProof }
func (m *MsgGetProof) Encode() ([]byte, error) {
	var buf bytes.Buffer
	writeHash(&buf, m.Root)
	writeHash(&buf, m.NameHash)
	return buf.Bytes(), nil
}

func decodeGetProof(r *bytes.Reader) (*MsgGetProof, error) {
	m := &MsgGetProof{}
	var err error
	if m.Root, err = readHash(r); err != nil {
		return nil, err
	}
	if m.NameHash, err = readHash(r); err != nil {
		return nil, err
	}
	return m, nil
}

type MsgProof struct {
	Root     chainhash.Hash
	NameHash chainhash.Hash
	Proof    []byte // encoded authenticated-tree proof nodes
	Value    []byte // nil means proof-of-absence
}

func (m *MsgProof) Command() Command { return CmdProof }
func (m *MsgProof) Encode() ([]byte, error) {
	var buf bytes.Buffer
	writeHash(&buf, m.Root)
	writeHash(&buf, m.NameHash)
	writeVarBytes(&buf, m.Proof)
	writeVarBytes(&buf, m.Value)
	return buf.Bytes(), nil
}

func decodeProof(r *bytes.Reader) (*MsgProof, error) {
	m := &MsgProof{}
	var err error
	if m.Root, err = readHash(r); err != nil {
		return nil, err
	}
	if m.NameHash, err = readHash(r); err != nil {
		return nil, err
	}
	if m.Proof, err = readVarBytes(r, maxVarDataLen); err != nil {
		return nil, err
	}
	if m.Value, err = readVarBytes(r, maxVarDataLen); err != nil {
		return nil, err
	}
	return m, nil
}
