// Package escrowfund drives the two-phase allowance delegation that
// funds an escrowed trade.
//
// Phase A grants the Permit2 contract an unlimited ERC-20 allowance
// from the seller's wallet (a one-time transaction per token). Phase B
// grants the escrow arbiter a scoped, expiring allowance through
// Permit2 for the trade amount. Each phase re-checks on-chain state
// first, so re-running the flow after a partial failure only performs
// the missing step.
package escrowfund

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/peerdesk/peerdesk/internal/metrics"
	"github.com/peerdesk/peerdesk/internal/syncutil"
)

var (
	ErrInvalidPrivateKey = errors.New("escrowfund: invalid private key")
	ErrRPCConnection     = errors.New("escrowfund: RPC connection failed")
	ErrTransactionFailed = errors.New("escrowfund: transaction reverted")
	ErrTimeout           = errors.New("escrowfund: operation timed out")
)

// Phase labels the funding step that produced an event or error.
type Phase string

const (
	PhaseERC20Approve   Phase = "erc20_approve"
	PhasePermit2Approve Phase = "permit2_approve"
)

// StepError wraps a failed funding step with its phase and, when the
// transaction made it on chain, the tx hash.
type StepError struct {
	Phase  Phase
	TxHash string
	Err    error
}

func (e *StepError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("escrowfund: %s failed (tx: %s): %v", e.Phase, e.TxHash, e.Err)
	}
	return fmt.Sprintf("escrowfund: %s failed: %v", e.Phase, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Minimal ERC-20 ABI: allowance reads and approve writes.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// Permit2 AllowanceTransfer subset: scoped allowance reads and grants.
const permit2ABI = `[
	{"inputs":[{"name":"token","type":"address"},{"name":"spender","type":"address"},{"name":"amount","type":"uint160"},{"name":"expiration","type":"uint48"}],"name":"approve","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"","type":"address"},{"name":"","type":"address"},{"name":"","type":"address"}],"name":"allowance","outputs":[{"name":"amount","type":"uint160"},{"name":"expiration","type":"uint48"},{"name":"nonce","type":"uint48"}],"stateMutability":"view","type":"function"}
]`

const (
	// DefaultGasLimit is the fallback when gas estimation fails.
	DefaultGasLimit = uint64(120000)

	// DefaultConfirmationTimeout bounds each receipt wait.
	DefaultConfirmationTimeout = 60 * time.Second

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second

	// expirationSkew re-triggers Phase B when the scoped allowance is
	// about to lapse mid-trade.
	expirationSkew = time.Minute
)

// MaxUint256 is the unlimited ERC-20 approval amount.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Config for creating a funding coordinator.
type Config struct {
	RPCURL       string
	PrivateKey   string // hex, 0x prefix optional
	ChainID      int64
	Permit2      string
	Arbiter      string
	AllowanceTTL time.Duration
}

// StepUpdate reports funding progress to the caller, one event per
// phase boundary.
type StepUpdate struct {
	Phase   Phase
	State   string // "checking", "sent", "confirmed", "skipped"
	TxHash  string
	Message string
}

// Option configures the coordinator.
type Option func(*Coordinator)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(c *Coordinator) { c.client = client }
}

// WithProgress registers a progress callback. The callback runs on the
// funding goroutine and must not block.
func WithProgress(fn func(StepUpdate)) Option {
	return func(c *Coordinator) { c.progress = fn }
}

// Result summarizes a completed funding flow.
type Result struct {
	Owner          string
	Token          string
	Amount         *big.Int
	ERC20TxHash    string // empty when Phase A was skipped
	Permit2TxHash  string // empty when Phase B was skipped
	AllowanceUntil time.Time
}

// Coordinator executes the funding flow against one chain and wallet.
type Coordinator struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	owner      common.Address
	chainID    *big.Int
	permit2    common.Address
	arbiter    common.Address
	ttl        time.Duration
	erc20ABI   abi.ABI
	permit2ABI abi.ABI
	progress   func(StepUpdate)
	locks      *syncutil.ContextShardedMutex

	poll time.Duration
	now  func() time.Time // stubbed in tests
}

// New creates a funding coordinator.
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedERC20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	parsedPermit2, err := abi.JSON(strings.NewReader(permit2ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Permit2 ABI: %w", err)
	}

	ttl := cfg.AllowanceTTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}

	c := &Coordinator{
		privateKey: privateKey,
		owner:      crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		permit2:    common.HexToAddress(cfg.Permit2),
		arbiter:    common.HexToAddress(cfg.Arbiter),
		ttl:        ttl,
		erc20ABI:   parsedERC20,
		permit2ABI: parsedPermit2,
		locks:      syncutil.NewContextShardedMutex(),
		poll:       ConfirmationPollInterval,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}

	return c, nil
}

// Owner returns the funding wallet address.
func (c *Coordinator) Owner() string {
	return c.owner.Hex()
}

// Fund runs the two-phase flow for the given token and trade amount.
// Safe to re-run: phases whose on-chain state is already sufficient
// are skipped.
func (c *Coordinator) Fund(ctx context.Context, token common.Address, amount *big.Int) (*Result, error) {
	// Concurrent funds for the same token would race on the wallet
	// nonce and the allowance re-checks.
	unlock, err := c.locks.LockContext(ctx, token.Hex())
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := &Result{
		Owner:  c.owner.Hex(),
		Token:  token.Hex(),
		Amount: amount,
	}

	// Phase A: unlimited ERC-20 allowance from owner to Permit2.
	c.emit(StepUpdate{Phase: PhaseERC20Approve, State: "checking"})
	allowance, err := c.erc20Allowance(ctx, token)
	if err != nil {
		return nil, &StepError{Phase: PhaseERC20Approve, Err: err}
	}
	if allowance.Cmp(amount) < 0 {
		data, err := c.erc20ABI.Pack("approve", c.permit2, MaxUint256)
		if err != nil {
			return nil, &StepError{Phase: PhaseERC20Approve, Err: err}
		}
		txHash, err := c.sendAndWait(ctx, PhaseERC20Approve, token, data)
		if err != nil {
			return nil, err
		}
		result.ERC20TxHash = txHash
	} else {
		metrics.EscrowFundingStepsTotal.WithLabelValues(string(PhaseERC20Approve), "skipped").Inc()
		c.emit(StepUpdate{Phase: PhaseERC20Approve, State: "skipped", Message: "allowance already sufficient"})
	}

	// Phase B: scoped, expiring allowance to the arbiter via Permit2.
	c.emit(StepUpdate{Phase: PhasePermit2Approve, State: "checking"})
	granted, expiration, err := c.permit2Allowance(ctx, token)
	if err != nil {
		return nil, &StepError{Phase: PhasePermit2Approve, Err: err}
	}
	deadline := c.now().Add(expirationSkew)
	if granted.Cmp(amount) < 0 || expiration.Before(deadline) {
		expiresAt := c.now().Add(c.ttl)
		data, err := c.permit2ABI.Pack("approve",
			token, c.arbiter, amount, big.NewInt(expiresAt.Unix()))
		if err != nil {
			return nil, &StepError{Phase: PhasePermit2Approve, Err: err}
		}
		txHash, err := c.sendAndWait(ctx, PhasePermit2Approve, c.permit2, data)
		if err != nil {
			return nil, err
		}
		result.Permit2TxHash = txHash
		result.AllowanceUntil = expiresAt
	} else {
		result.AllowanceUntil = expiration
		metrics.EscrowFundingStepsTotal.WithLabelValues(string(PhasePermit2Approve), "skipped").Inc()
		c.emit(StepUpdate{Phase: PhasePermit2Approve, State: "skipped", Message: "scoped allowance already active"})
	}

	return result, nil
}

// erc20Allowance reads allowance(owner, permit2) on the token.
func (c *Coordinator) erc20Allowance(ctx context.Context, token common.Address) (*big.Int, error) {
	data, err := c.erc20ABI.Pack("allowance", c.owner, c.permit2)
	if err != nil {
		return nil, err
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(out), nil
}

// permit2Allowance reads allowance(owner, token, arbiter) on Permit2.
func (c *Coordinator) permit2Allowance(ctx context.Context, token common.Address) (*big.Int, time.Time, error) {
	data, err := c.permit2ABI.Pack("allowance", c.owner, token, c.arbiter)
	if err != nil {
		return nil, time.Time{}, err
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.permit2, Data: data}, nil)
	if err != nil {
		return nil, time.Time{}, err
	}

	values, err := c.permit2ABI.Unpack("allowance", out)
	if err != nil {
		return nil, time.Time{}, err
	}
	if len(values) < 2 {
		return nil, time.Time{}, fmt.Errorf("unexpected allowance return: %d values", len(values))
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("unexpected allowance amount type %T", values[0])
	}
	expiration, ok := values[1].(*big.Int)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("unexpected allowance expiration type %T", values[1])
	}
	return amount, time.Unix(expiration.Int64(), 0), nil
}

// sendAndWait signs, submits, and confirms one approval transaction.
func (c *Coordinator) sendAndWait(ctx context.Context, phase Phase, to common.Address, data []byte) (string, error) {
	nonce, err := c.client.PendingNonceAt(ctx, c.owner)
	if err != nil {
		return "", &StepError{Phase: phase, Err: err}
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &StepError{Phase: phase, Err: err}
	}
	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From: c.owner,
		To:   &to,
		Data: data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return "", &StepError{Phase: phase, Err: err}
	}

	txHash := signedTx.Hash().Hex()
	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		metrics.EscrowFundingStepsTotal.WithLabelValues(string(phase), "error").Inc()
		return "", &StepError{Phase: phase, TxHash: txHash, Err: err}
	}
	c.emit(StepUpdate{Phase: phase, State: "sent", TxHash: txHash})

	if err := c.waitMined(ctx, signedTx.Hash()); err != nil {
		metrics.EscrowFundingStepsTotal.WithLabelValues(string(phase), "error").Inc()
		return "", &StepError{Phase: phase, TxHash: txHash, Err: err}
	}
	metrics.EscrowFundingStepsTotal.WithLabelValues(string(phase), "ok").Inc()
	c.emit(StepUpdate{Phase: phase, State: "confirmed", TxHash: txHash})
	return txHash, nil
}

// waitMined polls for the receipt until the transaction confirms, the
// context is canceled, or the timeout elapses.
func (c *Coordinator) waitMined(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: waiting for tx %s", ErrTimeout, hash.Hex())
			}
			return ctx.Err()

		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				continue // not yet mined
			}
			if receipt.Status == 0 {
				return ErrTransactionFailed
			}
			return nil
		}
	}
}

func (c *Coordinator) emit(update StepUpdate) {
	if c.progress != nil {
		c.progress(update)
	}
}

// Close closes the underlying client connection.
func (c *Coordinator) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
