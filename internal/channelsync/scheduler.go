package channelsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultReconcileInterval = 24 * time.Hour
	defaultMaxParallel       = 4
)

type ReconcilerOptions struct {
	Credentials CredentialStore
	Store       *Store
	Fetcher     SnapshotFetcher
	Publisher   *Publisher
	Interval    time.Duration
	MaxParallel int
	Logger      zerolog.Logger
}

// PassReport summarizes one full reconciliation sweep.
type PassReport struct {
	StartedAt time.Time `json:"startedAt"`
	Duration  string    `json:"duration"`
	Entities  int       `json:"entities"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Coalesced bool      `json:"coalesced"`
}

// Reconciler periodically pulls authoritative snapshots for every
// registered entity and pushes any detected drift through the merge
// engine and publisher. A pass requested while another is running is
// coalesced into the one in flight.
type Reconciler struct {
	creds       CredentialStore
	store       *Store
	fetcher     SnapshotFetcher
	publisher   *Publisher
	interval    time.Duration
	maxParallel int
	log         zerolog.Logger

	running atomic.Bool
}

func NewReconciler(opts ReconcilerOptions) *Reconciler {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}
	return &Reconciler{
		creds:       opts.Credentials,
		store:       opts.Store,
		fetcher:     opts.Fetcher,
		publisher:   opts.Publisher,
		interval:    interval,
		maxParallel: maxParallel,
		log:         opts.Logger,
	}
}

// Run drives periodic passes until the context is canceled. The first
// pass starts immediately so a restarted service converges without
// waiting out a full interval.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	if _, err := r.RunPass(ctx); err != nil && ctx.Err() == nil {
		r.log.Error().Err(err).Msg("reconcile: initial pass failed")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunPass(ctx); err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Msg("reconcile: pass failed")
			}
		}
	}
}

// RunPass sweeps every entity with a stored credential. Entity failures
// are isolated: one broken credential or flaky upstream never blocks the
// rest of the fleet.
func (r *Reconciler) RunPass(ctx context.Context) (PassReport, error) {
	if !r.running.CompareAndSwap(false, true) {
		return PassReport{Coalesced: true}, nil
	}
	defer r.running.Store(false)

	report := PassReport{StartedAt: time.Now().UTC()}
	keys, err := r.creds.ListByKind(ctx, KindCredential)
	if err != nil {
		return report, errors.Wrap(err, "reconcile: list credentials")
	}
	report.Entities = len(keys)

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.maxParallel)
	for _, key := range keys {
		entityID := EntityIDFromKey(key)
		if entityID == "" {
			continue
		}
		credentialKey := key
		group.Go(func() error {
			err := r.reconcileKey(groupCtx, entityID, credentialKey)
			outcome := ReconcileOutcome{
				Status:     ReconcileSuccess,
				FinishedAt: time.Now().UTC().Format(time.RFC3339),
			}
			mu.Lock()
			if err != nil {
				report.Failed++
				outcome.Status = ReconcileFailed
				outcome.Error = err.Error()
			} else {
				report.Succeeded++
			}
			mu.Unlock()
			r.store.RecordReconcileOutcome(entityID, outcome)
			if err != nil {
				r.log.Error().Err(err).Str("entity_id", entityID).Msg("reconcile: entity failed")
			}
			// Errors were recorded per entity; never abort the group.
			return nil
		})
	}
	_ = group.Wait()

	report.Duration = time.Since(report.StartedAt).String()
	r.log.Info().
		Int("entities", report.Entities).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Str("duration", report.Duration).
		Msg("reconcile: pass complete")
	return report, ctx.Err()
}

// reconcileKey resolves the credential at sweep time, so a rotation that
// lands mid-pass is picked up by the entities not yet visited.
func (r *Reconciler) reconcileKey(ctx context.Context, entityID, credentialKey string) error {
	credential, err := r.creds.Get(ctx, credentialKey)
	if err != nil {
		return errors.Wrap(err, "resolve credential")
	}
	if err := r.reconcileMetadata(ctx, entityID, credential); err != nil {
		return err
	}
	return r.reconcileConversations(ctx, entityID, credential)
}

func (r *Reconciler) reconcileMetadata(ctx context.Context, entityID, credential string) error {
	fields, err := r.fetcher.FetchMetadata(ctx, entityID, credential)
	if err != nil {
		return errors.Wrap(err, "fetch metadata")
	}
	changed, err := r.store.MergeMetadata(entityID, fields)
	if err != nil {
		return errors.Wrap(err, "merge metadata")
	}
	if !changed {
		return nil
	}
	payload, err := r.store.MetadataPayload(entityID)
	if err != nil {
		return errors.Wrap(err, "build metadata payload")
	}
	published, err := r.publisher.Publish(ctx, MetadataObjectKey(entityID), payload)
	if err != nil {
		return errors.Wrap(err, "publish metadata")
	}
	return r.store.MarkMetadataPublished(entityID, published.Fingerprint)
}

func (r *Reconciler) reconcileConversations(ctx context.Context, entityID, credential string) error {
	partners, err := r.fetcher.FetchConversationPartners(ctx, entityID, credential)
	if err != nil {
		return errors.Wrap(err, "fetch conversation partners")
	}
	for _, counterpartID := range partners {
		events, err := r.fetcher.FetchConversationSnapshot(ctx, entityID, counterpartID, credential)
		if err != nil {
			return errors.Wrapf(err, "fetch conversation %s", counterpartID)
		}
		if _, err := r.store.MergeConversationBatch(entityID, counterpartID, events); err != nil {
			return errors.Wrapf(err, "merge conversation %s", counterpartID)
		}
		// Publish even when the batch appended nothing: a publish that
		// failed on the push path leaves the remote behind the store, and
		// this pass is its retry. The fingerprint gate makes the
		// already-current case a cheap skip.
		payload, err := r.store.ConversationPayload(entityID, counterpartID)
		if err != nil {
			return errors.Wrapf(err, "build conversation payload %s", counterpartID)
		}
		if _, err := r.publisher.Publish(ctx, ConversationObjectKey(entityID, counterpartID), payload); err != nil {
			return errors.Wrapf(err, "publish conversation %s", counterpartID)
		}
	}
	return nil
}
