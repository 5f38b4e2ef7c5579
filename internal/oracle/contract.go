package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// oracleABI is the engine-facing slice of the on-chain oracle contract:
// commit fixes a session's outcome hash, reveal opens it with the salt as
// proof, and games exposes the finalized state for verification.
const oracleABI = `[
  {"type":"function","name":"commit","stateMutability":"nonpayable",
   "inputs":[{"name":"sessionId","type":"bytes32"},{"name":"commitment","type":"bytes32"}],
   "outputs":[]},
  {"type":"function","name":"reveal","stateMutability":"nonpayable",
   "inputs":[{"name":"sessionId","type":"bytes32"},{"name":"outcome","type":"bool"},{"name":"salt","type":"bytes32"}],
   "outputs":[]},
  {"type":"function","name":"games","stateMutability":"view",
   "inputs":[{"name":"sessionId","type":"bytes32"}],
   "outputs":[{"name":"finalized","type":"bool"},{"name":"outcome","type":"bool"},{"name":"endTime","type":"uint64"}]}
]`

// GameState is the read-only on-chain projection of a session.
type GameState struct {
	Finalized bool
	Outcome   bool
	EndTime   time.Time
}

// ContractBackend abstracts the chain round-trips so the commit-reveal
// state machine can be tested without chain infrastructure.
type ContractBackend interface {
	Commit(ctx context.Context, sessionKey, commitment [32]byte) (txHash string, blockNumber uint64, err error)
	Reveal(ctx context.Context, sessionKey [32]byte, outcome bool, salt [32]byte) (txHash string, blockNumber uint64, err error)
	GameInfo(ctx context.Context, sessionKey [32]byte) (GameState, error)
	// Ping verifies the oracle contract address has deployed code.
	Ping(ctx context.Context) error
}

// EthBackend implements ContractBackend against a JSON-RPC node via
// go-ethereum's bound-contract machinery.
type EthBackend struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	address  common.Address
	opts     *bind.TransactOpts
}

// NewEthBackend dials the RPC endpoint and binds the oracle contract. The
// private key signs every state-changing call.
func NewEthBackend(ctx context.Context, rpcURL, contractAddr, privateKeyHex string, chainID int64) (*EthBackend, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("oracle: dial %q: %w", rpcURL, err)
	}

	parsed, err := abi.JSON(strings.NewReader(oracleABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("oracle: parse ABI: %w", err)
	}

	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("oracle: invalid submitter key: %w", err)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(chainID))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("oracle: transactor for chain %d: %w", chainID, err)
	}

	addr := common.HexToAddress(contractAddr)
	return &EthBackend{
		client:   client,
		contract: bind.NewBoundContract(addr, parsed, client, client, client),
		address:  addr,
		opts:     opts,
	}, nil
}

// Close releases the RPC connection.
func (b *EthBackend) Close() {
	b.client.Close()
}

func (b *EthBackend) transact(ctx context.Context, method string, args ...any) (string, uint64, error) {
	opts := *b.opts
	opts.Context = ctx

	tx, err := b.contract.Transact(&opts, method, args...)
	if err != nil {
		return "", 0, fmt.Errorf("oracle: %s: %w", method, err)
	}

	receipt, err := bind.WaitMined(ctx, b.client, tx)
	if err != nil {
		return "", 0, fmt.Errorf("oracle: wait %s tx %s: %w", method, tx.Hash().Hex(), err)
	}

	return tx.Hash().Hex(), receipt.BlockNumber.Uint64(), nil
}

// Commit submits the commitment hash for a session.
func (b *EthBackend) Commit(ctx context.Context, sessionKey, commitment [32]byte) (string, uint64, error) {
	return b.transact(ctx, "commit", sessionKey, commitment)
}

// Reveal opens a committed session on-chain. The contract recomputes the
// commitment from outcome and salt and rejects any mismatch.
func (b *EthBackend) Reveal(ctx context.Context, sessionKey [32]byte, outcome bool, salt [32]byte) (string, uint64, error) {
	return b.transact(ctx, "reveal", sessionKey, outcome, salt)
}

// GameInfo reads the on-chain state of a session.
func (b *EthBackend) GameInfo(ctx context.Context, sessionKey [32]byte) (GameState, error) {
	var out []any
	err := b.contract.Call(&bind.CallOpts{Context: ctx}, &out, "games", sessionKey)
	if err != nil {
		return GameState{}, fmt.Errorf("oracle: games call: %w", err)
	}
	if len(out) != 3 {
		return GameState{}, fmt.Errorf("oracle: games call: unexpected output arity %d", len(out))
	}

	finalized, _ := out[0].(bool)
	outcome, _ := out[1].(bool)
	end, _ := out[2].(uint64)

	return GameState{
		Finalized: finalized,
		Outcome:   outcome,
		EndTime:   time.Unix(int64(end), 0).UTC(),
	}, nil
}

// Ping checks the contract address has deployed code.
func (b *EthBackend) Ping(ctx context.Context) error {
	code, err := b.client.CodeAt(ctx, b.address, nil)
	if err != nil {
		return fmt.Errorf("oracle: code at %s: %w", b.address.Hex(), err)
	}
	if len(code) == 0 {
		return fmt.Errorf("oracle: no contract deployed at %s", b.address.Hex())
	}
	return nil
}

var _ ContractBackend = (*EthBackend)(nil)
