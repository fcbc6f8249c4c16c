// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package wire

import (
	"bytes"
	"fmt"
)

// ErrUnknownCommand is returned by Decode for an unrecognized command
// tag; callers should skip the frame rather than tear down the
// connection, so newer peers can speak past us.
var ErrUnknownCommand = fmt.Errorf("wire: unknown command")

// Decode parses payload according to cmd into its typed Message.
// Decode is injective on well-formed input: Encode(Decode(x)) == x for
// every frame this codec itself produced.
func Decode(cmd Command, payload []byte) (Message, error) {
	r := bytes.NewReader(payload)
	switch cmd {
	case CmdVersion:
		return decodeVersion(r)
	case CmdVerAck:
		return &MsgVerAck{}, nil
	case CmdPing:
		return decodePing(r)
	case CmdPong:
		return decodePong(r)
	case CmdGetAddr:
		return &MsgGetAddr{}, nil
	case CmdAddr:
		return decodeAddr(r)
	case CmdInv:
		return decodeInv(r)
	case CmdGetData:
		return decodeGetData(r)
	case CmdNotFound:
		return decodeNotFound(r)
	case CmdGetBlocks:
		return decodeGetBlocks(r)
	case CmdGetHeaders:
		return decodeGetHeaders(r)
	case CmdHeaders:
		return decodeHeaders(r)
	case CmdSendHeaders:
		return &MsgSendHeaders{}, nil
	case CmdBlock:
		return decodeBlock(r)
	case CmdTx:
		return decodeTx(r)
	case CmdReject:
		return decodeReject(r)
	case CmdMempool:
		return &MsgMempool{}, nil
	case CmdFilterLoad:
		return decodeFilterLoad(r)
	case CmdFilterAdd:
		return decodeFilterAdd(r)
	case CmdFilterClear:
		return &MsgFilterClear{}, nil
	case CmdMerkleBlock:
		return decodeMerkleBlock(r)
	case CmdFeeFilter:
		return decodeFeeFilter(r)
	case CmdSendCmpct:
		return decodeSendCmpct(r)
	case CmdCmpctBlock:
		return decodeCmpctBlock(r)
	case CmdGetBlockTxn:
		return decodeGetBlockTxn(r)
	case CmdBlockTxn:
		return decodeBlockTxn(r)
	case CmdGetProof:
		return decodeGetProof(r)
	case CmdProof:
		return decodeProof(r)
	case CmdClaim:
		return decodeClaim(r)
	case CmdAirdrop:
		return decodeAirdrop(r)
	default:
		return nil, ErrUnknownCommand
	}
}
