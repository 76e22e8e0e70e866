package reconcile

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"badged/storage"
)

// ResyncStore is the slice of the claim cache the backfill loop touches.
type ResyncStore interface {
	ListIncomplete(ctx context.Context, limit int) ([]storage.CredentialRecord, error)
	CompleteProvenance(ctx context.Context, key storage.ClaimKey, txRef string) error
}

// ResyncWorker periodically revisits issued records that lack a transaction
// reference and retries the historical search. Provenance recovery stays best
// effort: a record can remain incomplete forever and is no less valid for it.
type ResyncWorker struct {
	store        ResyncStore
	ledger       Ledger
	searchWindow uint64
	interval     time.Duration
	batchSize    int
	log          *slog.Logger
}

// NewResyncWorker builds the backfill loop with sane defaults.
func NewResyncWorker(store ResyncStore, ledgerClient Ledger, searchWindow uint64, interval time.Duration, log *slog.Logger) *ResyncWorker {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &ResyncWorker{
		store:        store,
		ledger:       ledgerClient,
		searchWindow: searchWindow,
		interval:     interval,
		batchSize:    50,
		log:          log,
	}
}

// Run polls until the context is cancelled.
func (w *ResyncWorker) Run(ctx context.Context) {
	if w.store == nil || w.ledger == nil || w.searchWindow == 0 {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ResyncWorker) sweep(ctx context.Context) {
	records, err := w.store.ListIncomplete(ctx, w.batchSize)
	if err != nil {
		w.log.Warn("provenance backfill sweep failed", "err", err)
		return
	}
	for _, rec := range records {
		token, ok := new(big.Int).SetString(rec.TokenRef, 10)
		if !ok || token == nil {
			continue
		}
		txRef := w.ledger.FindIssuanceTx(ctx, rec.Key.Owner, token, w.searchWindow)
		if txRef == "" {
			continue
		}
		if err := w.store.CompleteProvenance(ctx, rec.Key, txRef); err != nil {
			w.log.Warn("provenance backfill write failed", "key", rec.Key.String(), "err", err)
			continue
		}
		w.log.Info("provenance recovered", "key", rec.Key.String(), "tx", txRef)
	}
}
