package evm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// evmOpcodes is the instruction set the distributor runtime is allowed to
// use. Anything outside it (or past the PUSH immediates) would be an invalid
// or unintended instruction.
var evmOpcodes = map[byte]bool{
	0x00: true, // STOP
	0x01: true, // ADD
	0x02: true, // MUL
	0x10: true, // LT
	0x11: true, // GT
	0x14: true, // EQ
	0x15: true, // ISZERO
	0x16: true, // AND
	0x1b: true, // SHL
	0x1c: true, // SHR
	0x33: true, // CALLER
	0x34: true, // CALLVALUE
	0x35: true, // CALLDATALOAD
	0x36: true, // CALLDATASIZE
	0x39: true, // CODECOPY
	0x3d: true, // RETURNDATASIZE
	0x50: true, // POP
	0x51: true, // MLOAD
	0x52: true, // MSTORE
	0x54: true, // SLOAD
	0x55: true, // SSTORE
	0x56: true, // JUMP
	0x57: true, // JUMPI
	0x5a: true, // GAS
	0x5b: true, // JUMPDEST
	0x5f: true, // PUSH0
	0x80: true, // DUP1
	0x81: true, // DUP2
	0x84: true, // DUP5
	0x85: true, // DUP6
	0x86: true, // DUP7
	0x8b: true, // DUP12
	0x90: true, // SWAP1
	0xf1: true, // CALL
	0xf3: true, // RETURN
	0xfd: true, // REVERT
}

// runtimeCode strips the creation prologue, checking its shape on the way:
// store the deployer, then copy and return the runtime.
func runtimeCode(t *testing.T) []byte {
	t.Helper()
	bin := common.FromHex(distributorBin)
	require.Greater(t, len(bin), 13)

	assert.Equal(t, []byte{0x33, 0x5f, 0x55}, bin[:3], "constructor must store the deployer as owner")
	require.Equal(t, byte(0x61), bin[3], "runtime length must be a PUSH2")
	runtimeLen := int(bin[4])<<8 | int(bin[5])
	assert.Equal(t, len(bin)-13, runtimeLen, "declared runtime length must match the embedded runtime")
	assert.Equal(t, byte(0x0d), bin[8], "runtime must start right after the prologue")
	return bin[13:]
}

func TestDistributorBytecodeDispatchesABISelectors(t *testing.T) {
	distABI, err := abi.JSON(strings.NewReader(distributorABI))
	require.NoError(t, err)
	runtime := runtimeCode(t)

	for _, name := range []string{"batchTransferNative", "batchTransferToken", "owner"} {
		method, ok := distABI.Methods[name]
		require.True(t, ok, "ABI must declare %s", name)
		// The dispatcher compares the calldata selector against a PUSH4
		// immediate; the packed form must appear in the runtime.
		needle := append([]byte{0x63}, method.ID...)
		assert.True(t, bytes.Contains(runtime, needle),
			"runtime must dispatch selector %x for %s", method.ID, name)
	}

	// transferFrom is the only external token call the contract makes.
	assert.True(t, bytes.Contains(runtime, []byte{0x63, 0x23, 0xb8, 0x72, 0xdd}),
		"token batches must pay through transferFrom")
}

func TestDistributorBytecodeIsWellFormed(t *testing.T) {
	runtime := runtimeCode(t)

	pc := 0
	for pc < len(runtime) {
		op := runtime[pc]
		if op >= 0x60 && op <= 0x7f { // PUSH1..PUSH32
			width := int(op) - 0x5f
			require.LessOrEqual(t, pc+width, len(runtime)-1,
				"PUSH at %#x must not run past the runtime", pc)
			if op == 0x61 { // all PUSH2 immediates here are jump targets
				target := int(runtime[pc+1])<<8 | int(runtime[pc+2])
				require.Less(t, target, len(runtime), "jump target at %#x out of range", pc)
				assert.Equal(t, byte(0x5b), runtime[target],
					"jump target %#x from %#x must be a JUMPDEST", target, pc)
			}
			pc += 1 + width
			continue
		}
		require.True(t, evmOpcodes[op], "invalid opcode %#02x at offset %#x", op, pc)
		pc++
	}
	assert.Equal(t, len(runtime), pc, "instruction walk must end exactly at the runtime boundary")
}
