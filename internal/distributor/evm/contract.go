package evm

// Distributor contract surface. One instance is deployed per campaign; the
// contract loops recipients inside a single transaction so a batch costs one
// base fee plus per-recipient transfer gas.
const distributorABI = `[
{"inputs":[],"stateMutability":"nonpayable","type":"constructor"},
{"inputs":[{"internalType":"address","name":"token","type":"address"},{"internalType":"address[]","name":"recipients","type":"address[]"},{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}],"name":"batchTransferToken","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address[]","name":"recipients","type":"address[]"},{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}],"name":"batchTransferNative","outputs":[],"stateMutability":"payable","type":"function"},
{"inputs":[],"name":"owner","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

// Creation bytecode for the distributor contract. The runtime is a
// hand-assembled dispatcher, kept deliberately small so it can be audited
// opcode by opcode; the annotated listing lives in contracts/distributor.asm
// and must be updated in lockstep with this constant. The constructor stores
// the deployer in slot 0; both batch entry points are owner-only. Requires a
// Shanghai-level EVM (PUSH0).
//
// Runtime layout (offsets into the 0x131-byte runtime, after the 13-byte
// creation prologue):
//
//	0x031  owner()
//	0x03a  batchTransferNative(address[],uint256[])  selector 66f658e9
//	0x090  batchTransferToken(address,address[],uint256[])  selector 20651d5d
//	0x12d  shared revert
const distributorBin = "0x" +
	// constructor: sstore(0, caller), copy and return the runtime
	"335f5561013180600d5f395ff3" +
	// dispatcher
	"6004361061012d575f3560e01c" +
	"806366f658e91461003a57" +
	"806320651d5d1461009057" +
	"80638da5cb5b1461003157" +
	"5f5ffd" +
	// owner()
	"5b5f545f5260205ff3" +
	// batchTransferNative: owner check, equal-length check, then one value
	// call per recipient; any failed send reverts the whole batch
	"5b335f54141561012d57" +
	"600435600401" +
	"602435600401" +
	"8135813581141561012d57" +
	"5f" +
	"5b8181101561008a57" +
	"80602002602001" +
	"80850135" +
	"90840135" +
	"5f5f5f5f84865af1" +
	"1561012d57" +
	"5050600101" +
	"61005c56" +
	"5b5050505000" +
	// batchTransferToken: non-payable and owner checks, then one
	// transferFrom(caller, recipient, amount) per recipient; a false return
	// word or a revert from the token aborts the batch
	"5b3461012d57" +
	"335f54141561012d57" +
	"60043573ffffffffffffffffffffffffffffffffffffffff16" +
	"602435600401" +
	"604435600401" +
	"8135813581141561012d57" +
	"5f" +
	"5b8181101561012657" +
	"80602002602001" +
	"80850135" +
	"90840135" +
	"6323b872dd60e01b5f52" +
	"33600452" +
	"81602452" +
	"80604452" +
	"60205f60645f5f8b5af1" +
	"1561012d57" +
	"3d602011" +
	"61011c57" +
	"5f511561012d57" +
	"5b5050600101" +
	"6100d056" +
	"5b505050505000" +
	// shared revert
	"5b5f5ffd"

// Minimal ERC-20 surface needed by the adapter.
const erc20ABI = `[
{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`
