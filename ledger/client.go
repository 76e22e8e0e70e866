// Package ledger wraps the badge registry contract. Reads go straight to an
// EVM RPC endpoint; the mint write is delegated to the sponsoring relay. The
// contract's own claimed() flag is known to report stale positives, so the
// package exposes it for diagnostics but ownership enumeration is the only
// read treated as ground truth.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"badged/relay"
)

var (
	// ErrLedgerUnavailable marks transient RPC or network failures. Reads are
	// never retried inside this package; callers decide.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrTokenNotFound is returned by ApplicationOf for tokens the registry
	// has no application reference for. Callers skip such tokens.
	ErrTokenNotFound = errors.New("token not found in registry")
)

const registryABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"tokenOfOwnerByIndex","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"appIdOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"claimed","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"appId","type":"string"}],"outputs":[{"name":"","type":"bool"}]}
]`

// mintMethod is executed by the relay, not called directly over RPC.
const mintMethod = "mintBadge"

// Backend is the subset of the Ethereum RPC surface the client consumes.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// Dial initialises an EVM RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Config carries the registry wiring, injected once at service start.
type Config struct {
	ContractAddress     string
	RPCEndpoint         string
	SignerCredentialRef string
	ReadTimeout         time.Duration
	ReadsPerSecond      float64
	ReadBurst           int
}

// Client issues typed calls against the badge registry.
type Client struct {
	contract    common.Address
	signerRef   string
	backend     Backend
	submitter   relay.Submitter
	parsed      abi.ABI
	readTimeout time.Duration
	limiter     *rate.Limiter
}

// NewClient wires a registry client. The backend serves reads and receipt
// lookups; the submitter carries the mint write.
func NewClient(cfg Config, backend Backend, submitter relay.Submitter) (*Client, error) {
	if backend == nil {
		return nil, errors.New("ledger backend required")
	}
	addr := strings.TrimSpace(cfg.ContractAddress)
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("invalid registry contract address %q", cfg.ContractAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	perSecond := cfg.ReadsPerSecond
	if perSecond <= 0 {
		perSecond = 50
	}
	burst := cfg.ReadBurst
	if burst <= 0 {
		burst = 25
	}
	return &Client{
		contract:    common.HexToAddress(addr),
		signerRef:   strings.TrimSpace(cfg.SignerCredentialRef),
		backend:     backend,
		submitter:   submitter,
		parsed:      parsed,
		readTimeout: readTimeout,
		limiter:     rate.NewLimiter(rate.Limit(perSecond), burst),
	}, nil
}

// Contract returns the registry address, for diagnostics.
func (c *Client) Contract() string {
	return c.contract.Hex()
}

// OwnedTokens enumerates every registry token held by the owner.
func (c *Client) OwnedTokens(ctx context.Context, owner string) ([]*big.Int, error) {
	addr, err := parseOwner(owner)
	if err != nil {
		return nil, err
	}
	var balance *big.Int
	if err := c.read(ctx, "balanceOf", &balance, addr); err != nil {
		return nil, fmt.Errorf("enumerate tokens for %s: %w", owner, err)
	}
	if balance == nil || balance.Sign() <= 0 {
		return nil, nil
	}
	count := balance.Int64()
	tokens := make([]*big.Int, 0, count)
	for i := int64(0); i < count; i++ {
		var token *big.Int
		if err := c.read(ctx, "tokenOfOwnerByIndex", &token, addr, big.NewInt(i)); err != nil {
			return nil, fmt.Errorf("token %d of %s: %w", i, owner, err)
		}
		if token != nil {
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}

// ApplicationOf resolves the application reference stored for a token.
// Returns ErrTokenNotFound when the registry reverts or has no entry; callers
// treat that as "skip this token", never as fatal.
func (c *Client) ApplicationOf(ctx context.Context, token *big.Int) (string, error) {
	if token == nil {
		return "", ErrTokenNotFound
	}
	var appID string
	if err := c.read(ctx, "appIdOf", &appID, token); err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return "", ErrTokenNotFound
		}
		return "", fmt.Errorf("application of token %s: %w", token, err)
	}
	if strings.TrimSpace(appID) == "" {
		return "", ErrTokenNotFound
	}
	return appID, nil
}

// LegacyClaimFlag reads the contract's claimed() bookkeeping. The flag is
// documented to report stale positives and must never gate a mint decision.
func (c *Client) LegacyClaimFlag(ctx context.Context, owner, appID string) (bool, error) {
	addr, err := parseOwner(owner)
	if err != nil {
		return false, err
	}
	var flag bool
	if err := c.read(ctx, "claimed", &flag, addr, appID); err != nil {
		return false, fmt.Errorf("legacy claim flag for %s/%s: %w", owner, appID, err)
	}
	return flag, nil
}

// SubmitMint hands the mint to the relay and returns its transaction hash.
// Fire and forget: confirmation is the coordinator's job.
func (c *Client) SubmitMint(ctx context.Context, owner, appID, credentialType, metadataRef string) (string, error) {
	if c.submitter == nil {
		return "", errors.New("relay submitter not configured")
	}
	addr, err := parseOwner(owner)
	if err != nil {
		return "", err
	}
	args := []interface{}{addr.Hex(), appID, credentialType, metadataRef}
	return c.submitter.Submit(ctx, c.contract.Hex(), c.signerRef, mintMethod, args)
}

func (c *Client) read(ctx context.Context, method string, out interface{}, args ...interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%v: %w", err, ErrLedgerUnavailable)
	}
	data, err := c.parsed.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()
	raw, err := c.backend.CallContract(callCtx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		if isRevert(err) {
			return ErrTokenNotFound
		}
		return fmt.Errorf("call %s: %v: %w", method, err, ErrLedgerUnavailable)
	}
	if len(raw) == 0 {
		return ErrTokenNotFound
	}
	values, err := c.parsed.Unpack(method, raw)
	if err != nil {
		return fmt.Errorf("unpack %s: %v: %w", method, err, ErrLedgerUnavailable)
	}
	if len(values) == 0 {
		return fmt.Errorf("unpack %s: empty result: %w", method, ErrLedgerUnavailable)
	}
	switch target := out.(type) {
	case **big.Int:
		value, ok := values[0].(*big.Int)
		if !ok {
			return fmt.Errorf("%s returned %T, want *big.Int: %w", method, values[0], ErrLedgerUnavailable)
		}
		*target = value
	case *string:
		value, ok := values[0].(string)
		if !ok {
			return fmt.Errorf("%s returned %T, want string: %w", method, values[0], ErrLedgerUnavailable)
		}
		*target = value
	case *bool:
		value, ok := values[0].(bool)
		if !ok {
			return fmt.Errorf("%s returned %T, want bool: %w", method, values[0], ErrLedgerUnavailable)
		}
		*target = value
	default:
		return fmt.Errorf("unsupported read target %T", out)
	}
	return nil
}

func parseOwner(owner string) (common.Address, error) {
	trimmed := strings.TrimSpace(owner)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid owner address %q", owner)
	}
	return common.HexToAddress(trimmed), nil
}

func isRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert")
}
