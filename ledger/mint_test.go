package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"badged/relay"
)

type mockSubmitter struct {
	mu       sync.Mutex
	hash     string
	err      error
	calls    int
	lastArgs []interface{}
}

func (m *mockSubmitter) Submit(ctx context.Context, contract, signerRef, method string, args []interface{}) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastArgs = args
	if m.err != nil {
		return "", m.err
	}
	return m.hash, nil
}

func newTestCoordinator(t *testing.T, backend *mockBackend, submitter *mockSubmitter, window, poll time.Duration) *MintCoordinator {
	t.Helper()
	client, err := NewClient(Config{
		ContractAddress:     "0x2222222222222222222222222222222222222222",
		SignerCredentialRef: "minter-1",
	}, backend, submitter)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	coord, err := NewMintCoordinator(client, window, poll, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return coord
}

func TestClassifyRevert(t *testing.T) {
	cases := map[string]RevertReason{
		"execution reverted: badge already issued":   RevertAlreadyIssued,
		"Already Claimed for this application":       RevertAlreadyIssued,
		"execution reverted: duplicate credential":   RevertAlreadyIssued,
		"insufficient funds for gas * price + value": RevertInsufficientFunds,
		"sponsorship budget exhausted":               RevertInsufficientFunds,
		"execution reverted: invalid application id": RevertMalformed,
		"malformed metadata reference":               RevertMalformed,
		"execution reverted: something unexpected":   RevertUnknown,
		"": RevertUnknown,
	}
	for message, want := range cases {
		if got := ClassifyRevert(message); got != want {
			t.Fatalf("classify %q: got %s want %s", message, got, want)
		}
	}
}

func TestMintErrorRetryable(t *testing.T) {
	if (&MintError{Reason: RevertMalformed}).Retryable() {
		t.Fatalf("malformed must not be retryable")
	}
	if (&MintError{Reason: RevertAlreadyIssued}).Retryable() {
		t.Fatalf("already issued routes to revalidation, not retry")
	}
	if !(&MintError{Reason: RevertInsufficientFunds}).Retryable() {
		t.Fatalf("insufficient funds is retryable")
	}
	if !(&MintError{Reason: RevertUnknown}).Retryable() {
		t.Fatalf("unknown is retryable")
	}
}

func TestSubmitConfirmed(t *testing.T) {
	backend := newMockBackend(t)
	submitter := &mockSubmitter{hash: "0xabc"}
	backend.receipts[common.HexToHash("0xabc")] = &gethtypes.Receipt{
		Status:      gethtypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(4990),
	}
	coord := newTestCoordinator(t, backend, submitter, time.Second, 5*time.Millisecond)

	txRef, err := coord.Submit(context.Background(), testOwner, "app-42", "publisher-credential", "ipfs://meta")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if txRef != "0xabc" {
		t.Fatalf("unexpected tx ref: %s", txRef)
	}
	if submitter.calls != 1 {
		t.Fatalf("expected one relay call, got %d", submitter.calls)
	}
	if len(submitter.lastArgs) != 4 || submitter.lastArgs[1] != "app-42" {
		t.Fatalf("unexpected relay args: %v", submitter.lastArgs)
	}
}

func TestSubmitOptimisticOnWindowElapsed(t *testing.T) {
	backend := newMockBackend(t)
	submitter := &mockSubmitter{hash: "0xdef"}
	// No receipt ever appears.
	coord := newTestCoordinator(t, backend, submitter, 40*time.Millisecond, 5*time.Millisecond)

	txRef, err := coord.Submit(context.Background(), testOwner, "app-42", "publisher-credential", "ipfs://meta")
	if err != nil {
		t.Fatalf("elapsed window must not fail: %v", err)
	}
	if txRef != "0xdef" {
		t.Fatalf("unexpected tx ref: %s", txRef)
	}
}

func TestSubmitRelayRejectionClassified(t *testing.T) {
	backend := newMockBackend(t)
	submitter := &mockSubmitter{err: &relay.RejectedError{Code: -32000, Reason: "execution reverted: badge already issued"}}
	coord := newTestCoordinator(t, backend, submitter, time.Second, 5*time.Millisecond)

	_, err := coord.Submit(context.Background(), testOwner, "app-42", "publisher-credential", "ipfs://meta")
	var mintErr *MintError
	if !errors.As(err, &mintErr) {
		t.Fatalf("expected MintError, got %v", err)
	}
	if mintErr.Reason != RevertAlreadyIssued {
		t.Fatalf("unexpected reason: %s", mintErr.Reason)
	}
}

func TestSubmitOnChainRevert(t *testing.T) {
	backend := newMockBackend(t)
	submitter := &mockSubmitter{hash: "0xbad"}
	backend.receipts[common.HexToHash("0xbad")] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed}
	coord := newTestCoordinator(t, backend, submitter, time.Second, 5*time.Millisecond)

	_, err := coord.Submit(context.Background(), testOwner, "app-42", "publisher-credential", "ipfs://meta")
	var mintErr *MintError
	if !errors.As(err, &mintErr) {
		t.Fatalf("expected MintError, got %v", err)
	}
	if mintErr.Reason != RevertUnknown {
		t.Fatalf("unexpected reason: %s", mintErr.Reason)
	}
}

func TestSubmitTransportFailure(t *testing.T) {
	backend := newMockBackend(t)
	submitter := &mockSubmitter{err: errors.New("relay request: connection refused")}
	coord := newTestCoordinator(t, backend, submitter, time.Second, 5*time.Millisecond)

	_, err := coord.Submit(context.Background(), testOwner, "app-42", "publisher-credential", "ipfs://meta")
	var mintErr *MintError
	if !errors.As(err, &mintErr) {
		t.Fatalf("expected MintError, got %v", err)
	}
	if mintErr.Reason != RevertUnknown || !mintErr.Retryable() {
		t.Fatalf("transport failure must classify unknown/retryable: %+v", mintErr)
	}
}
