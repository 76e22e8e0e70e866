package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"badged/relay"
)

// RevertReason buckets the registry's rejection messages.
type RevertReason string

const (
	RevertAlreadyIssued     RevertReason = "already_issued"
	RevertInsufficientFunds RevertReason = "insufficient_funds"
	RevertMalformed         RevertReason = "malformed"
	RevertUnknown           RevertReason = "unknown"
)

// MintError is a failed mint submission with a classified reason.
type MintError struct {
	Reason  RevertReason
	Message string
}

func (e *MintError) Error() string {
	return fmt.Sprintf("mint failed (%s): %s", e.Reason, e.Message)
}

// Retryable reports whether a later attempt can reasonably succeed.
// Malformed input never heals by retrying; an already-issued rejection is a
// signal for revalidation, not retry.
func (e *MintError) Retryable() bool {
	return e.Reason == RevertInsufficientFunds || e.Reason == RevertUnknown
}

// ClassifyRevert maps a revert message onto a RevertReason. The registry's
// messages are not versioned, so matching is deliberately loose.
func ClassifyRevert(message string) RevertReason {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "already issued"),
		strings.Contains(msg, "already claimed"),
		strings.Contains(msg, "already minted"),
		strings.Contains(msg, "duplicate"):
		return RevertAlreadyIssued
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "insufficient balance"),
		strings.Contains(msg, "sponsorship"):
		return RevertInsufficientFunds
	case strings.Contains(msg, "invalid"),
		strings.Contains(msg, "malformed"),
		strings.Contains(msg, "bad calldata"):
		return RevertMalformed
	default:
		return RevertUnknown
	}
}

// MintCoordinator submits a mint and waits a bounded window for confirmation.
// An elapsed window is success-pending, never a failure: the network accepted
// the transaction, and a later reconciliation pass settles true state from
// ownership enumeration.
type MintCoordinator struct {
	client        *Client
	confirmWindow time.Duration
	pollInterval  time.Duration
	log           *slog.Logger
}

// NewMintCoordinator wraps the client's write path. confirmWindow defaults to
// a minute, pollInterval to two seconds.
func NewMintCoordinator(client *Client, confirmWindow, pollInterval time.Duration, log *slog.Logger) (*MintCoordinator, error) {
	if client == nil {
		return nil, errors.New("ledger client required")
	}
	if confirmWindow <= 0 {
		confirmWindow = time.Minute
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &MintCoordinator{
		client:        client,
		confirmWindow: confirmWindow,
		pollInterval:  pollInterval,
		log:           log,
	}, nil
}

// Submit relays the mint and awaits its receipt within the confirmation
// window. The returned reference is valid in every non-error case, including
// an elapsed window.
func (m *MintCoordinator) Submit(ctx context.Context, owner, appID, credentialType, metadataRef string) (string, error) {
	txRef, err := m.client.SubmitMint(ctx, owner, appID, credentialType, metadataRef)
	if err != nil {
		var rejected *relay.RejectedError
		if errors.As(err, &rejected) {
			return "", &MintError{Reason: ClassifyRevert(rejected.Reason), Message: rejected.Reason}
		}
		return "", &MintError{Reason: RevertUnknown, Message: err.Error()}
	}
	return m.awaitConfirmation(ctx, txRef, owner, appID)
}

func (m *MintCoordinator) awaitConfirmation(ctx context.Context, txRef, owner, appID string) (string, error) {
	hash := common.HexToHash(txRef)
	deadline := time.NewTimer(m.confirmWindow)
	defer deadline.Stop()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// The transaction is already on the wire; report it optimistically
			// and let the next reconciliation confirm from ground truth.
			m.log.Info("mint confirmation interrupted, returning pending reference",
				"tx", txRef, "owner", owner, "app", appID)
			return txRef, nil
		case <-deadline.C:
			m.log.Info("mint confirmation window elapsed, returning pending reference",
				"tx", txRef, "owner", owner, "app", appID)
			return txRef, nil
		case <-ticker.C:
			receipt, err := m.client.backend.TransactionReceipt(ctx, hash)
			if err != nil || receipt == nil {
				// Not mined yet, or a transient RPC hiccup. Keep polling until
				// the window closes.
				continue
			}
			if receipt.Status == gethtypes.ReceiptStatusSuccessful {
				return txRef, nil
			}
			// The relay does not replay failed transactions for a reason
			// string, so an on-chain revert classifies as unknown.
			return "", &MintError{Reason: RevertUnknown, Message: fmt.Sprintf("transaction %s reverted on chain", txRef)}
		}
	}
}
