// Package reconcile decides, per claim, whether a credential was already
// issued and mints exactly one when it was not. Three sources disagree by
// design: the local cache, the registry's unreliable claimed() flag, and the
// only ground truth — enumerating the owner's tokens. The engine trusts them
// in exactly that order of cost and exactly the reverse order of authority.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"badged/ledger"
	"badged/observability"
	"badged/storage"
)

// Ledger is the read surface plus provenance search consumed by the engine.
type Ledger interface {
	Contract() string
	OwnedTokens(ctx context.Context, owner string) ([]*big.Int, error)
	ApplicationOf(ctx context.Context, token *big.Int) (string, error)
	LegacyClaimFlag(ctx context.Context, owner, appID string) (bool, error)
	FindIssuanceTx(ctx context.Context, owner string, token *big.Int, withinBlocks uint64) string
}

// Minter submits a mint and waits out the confirmation window.
type Minter interface {
	Submit(ctx context.Context, owner, appID, credentialType, metadataRef string) (string, error)
}

// ClaimStore is the slice of the claim cache the engine mutates.
type ClaimStore interface {
	Get(ctx context.Context, key storage.ClaimKey) (*storage.CredentialRecord, error)
	Insert(ctx context.Context, rec storage.CredentialRecord) (*storage.CredentialRecord, error)
}

// UnavailablePolicy names the behavior when the ground-truth read itself
// fails. The source system favored availability: mint anyway and let the
// contract arbitrate duplicates. That stays the default, made explicit and
// overridable here.
type UnavailablePolicy string

const (
	PolicyMintWhenUnverified UnavailablePolicy = "mint-when-unverified"
	PolicyFailClosed         UnavailablePolicy = "fail-closed"
)

// ParsePolicy resolves a configured policy name, defaulting to
// mint-when-unverified for an empty value.
func ParsePolicy(raw string) (UnavailablePolicy, error) {
	switch UnavailablePolicy(raw) {
	case "", PolicyMintWhenUnverified:
		return PolicyMintWhenUnverified, nil
	case PolicyFailClosed:
		return PolicyFailClosed, nil
	default:
		return "", fmt.Errorf("unknown unavailable policy %q", raw)
	}
}

// Terminal outcomes, as recorded in metrics.
const (
	outcomeCacheHit      = "cache_hit"
	outcomeSynced        = "synced"
	outcomeSyncCorrected = "sync_corrected"
	outcomeMinted        = "minted"
	outcomeMintFailed    = "mint_failed"
	outcomeCorrupted     = "corrupted"
	outcomeUnavailable   = "unavailable"
)

// Engine drives claim reconciliation.
type Engine struct {
	ledger       Ledger
	minter       Minter
	store        ClaimStore
	policy       UnavailablePolicy
	searchWindow uint64
	log          *slog.Logger
	metrics      *observability.BadgedMetrics
	clock        func() time.Time
}

// Options tunes an Engine beyond its required collaborators.
type Options struct {
	Policy UnavailablePolicy
	// SearchWindow bounds the historical block range scanned for provenance
	// recovery. Zero disables the search.
	SearchWindow uint64
	Log          *slog.Logger
	Metrics      *observability.BadgedMetrics
	Clock        func() time.Time
}

// NewEngine wires the reconciliation engine.
func NewEngine(ledgerClient Ledger, minter Minter, store ClaimStore, opts Options) (*Engine, error) {
	if ledgerClient == nil {
		return nil, errors.New("ledger client required")
	}
	if minter == nil {
		return nil, errors.New("minter required")
	}
	if store == nil {
		return nil, errors.New("claim store required")
	}
	policy := opts.Policy
	if policy == "" {
		policy = PolicyMintWhenUnverified
	}
	if policy != PolicyMintWhenUnverified && policy != PolicyFailClosed {
		return nil, fmt.Errorf("unknown unavailable policy %q", policy)
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		ledger:       ledgerClient,
		minter:       minter,
		store:        store,
		policy:       policy,
		searchWindow: opts.SearchWindow,
		log:          log,
		metrics:      opts.Metrics,
		clock:        clock,
	}, nil
}

type observation struct {
	owns  bool
	token *big.Int
}

// Reconcile resolves a claim to its one credential record, minting when the
// ledger genuinely holds none. Idempotent re-claims return from the cache
// without touching the ledger.
func (e *Engine) Reconcile(ctx context.Context, owner, appID, credentialType, metadataRef string) (*storage.CredentialRecord, error) {
	key := storage.ClaimKey{AppID: appID, Owner: owner, CredentialType: credentialType}.Normalize()
	if err := key.Validate(); err != nil {
		return nil, err
	}

	cached, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("claim cache read: %w", err)
	}
	if cached != nil && cached.Issued {
		e.record(outcomeCacheHit)
		return cached, nil
	}

	obs, gtErr := e.observeOwnership(ctx, key.Owner, key.AppID)
	if gtErr != nil {
		if !errors.Is(gtErr, ledger.ErrLedgerUnavailable) {
			return nil, gtErr
		}
		if e.metrics != nil {
			e.metrics.RecordLedgerUnavailable()
		}
		if e.policy == PolicyFailClosed {
			e.record(outcomeUnavailable)
			return nil, gtErr
		}
		// Availability over a spurious attempt: the contract itself rejects a
		// genuine double mint, so proceed unverified.
		e.log.Warn("ground truth unavailable, minting unverified",
			"owner", key.Owner, "app", key.AppID, "err", gtErr)
		return e.mint(ctx, key, metadataRef, true)
	}
	if obs.owns {
		return e.syncFromGroundTruth(ctx, key, obs.token, metadataRef, outcomeSynced)
	}
	return e.mint(ctx, key, metadataRef, false)
}

// observeOwnership computes the ground-truth observation: enumerate the
// owner's tokens and test each one's application reference. Tokens the
// registry cannot resolve are skipped, not fatal.
func (e *Engine) observeOwnership(ctx context.Context, owner, appID string) (observation, error) {
	tokens, err := e.ledger.OwnedTokens(ctx, owner)
	if err != nil {
		return observation{}, err
	}
	for _, token := range tokens {
		got, err := e.ledger.ApplicationOf(ctx, token)
		if errors.Is(err, ledger.ErrTokenNotFound) {
			continue
		}
		if err != nil {
			return observation{}, err
		}
		if got == appID {
			return observation{owns: true, token: token}, nil
		}
	}
	return observation{}, nil
}

// syncFromGroundTruth records a credential the ledger already holds. The
// historical search is best effort; a record without provenance is a valid
// terminal state.
func (e *Engine) syncFromGroundTruth(ctx context.Context, key storage.ClaimKey, token *big.Int, metadataRef, outcome string) (*storage.CredentialRecord, error) {
	txRef := e.ledger.FindIssuanceTx(ctx, key.Owner, token, e.searchWindow)
	if txRef == "" {
		e.log.Info("credential owned on ledger, provenance not recoverable",
			"owner", key.Owner, "app", key.AppID, "token", token.String())
	}
	rec := storage.CredentialRecord{
		Key:         key,
		Issued:      true,
		TxRef:       txRef,
		TokenRef:    token.String(),
		MetadataRef: metadataRef,
		IssuedAt:    e.clock().UTC(),
	}
	stored, err := e.store.Insert(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("record synced credential: %w", err)
	}
	e.record(outcome)
	return stored, nil
}

func (e *Engine) mint(ctx context.Context, key storage.ClaimKey, metadataRef string, unverified bool) (*storage.CredentialRecord, error) {
	// The legacy flag is observational only: it is known to report stale
	// positives, so it forecasts an expected revert but never gates the mint.
	if flag, err := e.ledger.LegacyClaimFlag(ctx, key.Owner, key.AppID); err == nil && flag && !unverified {
		e.log.Warn("legacy claim flag set with no owned token, expecting contract to arbitrate",
			"owner", key.Owner, "app", key.AppID, "contract", e.ledger.Contract())
		if e.metrics != nil {
			e.metrics.RecordStaleLegacyFlag()
		}
	}

	started := e.clock()
	txRef, err := e.minter.Submit(ctx, key.Owner, key.AppID, key.CredentialType, metadataRef)
	if e.metrics != nil {
		e.metrics.ObserveMintDuration(e.clock().Sub(started))
	}
	if err != nil {
		var mintErr *ledger.MintError
		if errors.As(err, &mintErr) && mintErr.Reason == ledger.RevertAlreadyIssued {
			return e.revalidate(ctx, key, metadataRef)
		}
		e.record(outcomeMintFailed)
		return nil, err
	}

	rec := storage.CredentialRecord{
		Key:         key,
		Issued:      true,
		TxRef:       txRef,
		MetadataRef: metadataRef,
		IssuedAt:    e.clock().UTC(),
	}
	stored, err := e.store.Insert(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("record minted credential: %w", err)
	}
	e.record(outcomeMinted)
	return stored, nil
}

// revalidate handles an already-issued rejection. The benign explanation is a
// concurrent mint between the ground-truth check and submission; re-running
// the check distinguishes that from genuinely corrupted registry bookkeeping.
func (e *Engine) revalidate(ctx context.Context, key storage.ClaimKey, metadataRef string) (*storage.CredentialRecord, error) {
	obs, err := e.observeOwnership(ctx, key.Owner, key.AppID)
	if err != nil {
		if errors.Is(err, ledger.ErrLedgerUnavailable) {
			// Corruption is only declared on positive evidence. An unreachable
			// ledger stays a transient failure.
			e.record(outcomeUnavailable)
		}
		return nil, err
	}
	if obs.owns {
		e.log.Info("mint lost a benign race, syncing from ground truth",
			"owner", key.Owner, "app", key.AppID)
		return e.syncFromGroundTruth(ctx, key, obs.token, metadataRef, outcomeSyncCorrected)
	}
	e.record(outcomeCorrupted)
	// Deliberately no cache write: a corrupted external system must not seed
	// a false issued state locally.
	return nil, &LedgerStateCorruptedError{
		Contract: e.ledger.Contract(),
		Owner:    key.Owner,
		AppID:    key.AppID,
	}
}

func (e *Engine) record(outcome string) {
	if e.metrics != nil {
		e.metrics.RecordOutcome(outcome)
	}
}
