package migration

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ratchetmesh/ratchetmesh/internal/constants"
	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
	"github.com/ratchetmesh/ratchetmesh/pkg/algorithm"
	"github.com/ratchetmesh/ratchetmesh/pkg/crypto"
	"github.com/ratchetmesh/ratchetmesh/pkg/directory"
	"github.com/ratchetmesh/ratchetmesh/pkg/keystore"
	"github.com/ratchetmesh/ratchetmesh/pkg/multidevice"
	"github.com/ratchetmesh/ratchetmesh/pkg/provider"
	"github.com/ratchetmesh/ratchetmesh/pkg/store"
)

const conversationPrefix = "multidevice/conversation/"

// Orchestrator owns migration jobs and drives their batch workers.
type Orchestrator struct {
	kv     store.KV
	dir    directory.Directory
	keys   *keystore.Store
	kem    provider.KEM
	logger *zap.Logger
	tracer trace.Tracer
	pause  time.Duration

	wg sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithKEM routes quantum operations through the given provider, typically a
// breaker-wrapped one.
func WithKEM(kem provider.KEM) Option {
	return func(o *Orchestrator) { o.kem = kem }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithBatchPause overrides the gradual strategy's inter-batch delay.
func WithBatchPause(d time.Duration) Option {
	return func(o *Orchestrator) { o.pause = d }
}

// New creates an Orchestrator.
func New(kv store.KV, dir directory.Directory, keys *keystore.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		kv:     kv,
		dir:    dir,
		keys:   keys,
		kem:    provider.NewBreaker(provider.NewLocal()),
		logger: zap.NewNop(),
		tracer: otel.Tracer("ratchetmesh/migration"),
		pause:  constants.GradualBatchPause,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Wait blocks until every running job worker has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func jobKey(id string) string { return "migration/job/" + id }

func lockKey(conversationID string) string { return "migration/lock/" + conversationID }

// StartOptions parameterizes StartMigration. Zero values pick the
// strategy's defaults.
type StartOptions struct {
	Strategy        Strategy
	TargetAlgorithm algorithm.ID
	BatchSize       int
	RotateKeys      bool
}

// StartMigration creates a job and begins asynchronous batch processing.
// When the target requires the quantum provider, the provider is probed
// first so an open circuit rejects the job up front instead of failing
// every conversation.
func (o *Orchestrator) StartMigration(ctx context.Context, opts StartOptions) (*Job, error) {
	if opts.Strategy == "" {
		opts.Strategy = StrategyImmediate
	}
	if _, ok := ParseStrategy(string(opts.Strategy)); !ok {
		return nil, qerrors.ErrInvalidState
	}
	if opts.Strategy == StrategyHybrid {
		opts.TargetAlgorithm = algorithm.HybridRSA4096MLKEM768
	}
	if opts.TargetAlgorithm == algorithm.Unknown {
		opts.TargetAlgorithm = algorithm.MLKEM768
	}
	if !opts.TargetAlgorithm.Valid() {
		return nil, qerrors.ErrAlgorithmMismatch
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = constants.DefaultMigrationBatchSize
	}

	if opts.TargetAlgorithm.UsesKEM() {
		pub, priv, err := o.kem.GenerateKeyPair(ctx, kemAlgorithm(opts.TargetAlgorithm))
		if err != nil {
			return nil, err
		}
		crypto.ZeroizeMultiple(pub, priv)
	}

	job := &Job{
		ID:              hex.EncodeToString(crypto.MustSecureRandomBytes(constants.SessionIDSize)),
		Strategy:        opts.Strategy,
		TargetAlgorithm: opts.TargetAlgorithm,
		BatchSize:       opts.BatchSize,
		RotateKeys:      opts.RotateKeys,
		Status:          StatusPending,
		Progress:        Progress{Phase: "created"},
		Results:         Results{ByAlgorithm: map[string]int{}},
		CreatedAt:       time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	if _, err := o.kv.CompareAndSwap(ctx, jobKey(job.ID), raw, 0); err != nil {
		return nil, err
	}

	o.logger.Info("migration started",
		zap.String("job", job.ID),
		zap.String("strategy", string(job.Strategy)),
		zap.String("target", job.TargetAlgorithm.String()),
		zap.Int("batch_size", job.BatchSize))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(context.WithoutCancel(ctx), job.ID)
	}()
	return job, nil
}

// GetMigrationStatus returns the current job record.
func (o *Orchestrator) GetMigrationStatus(ctx context.Context, jobID string) (*Job, error) {
	job, _, err := o.loadJob(ctx, jobID)
	return job, err
}

// CancelMigration transitions a pending or running job to cancelled. The
// worker observes the transition at its next batch boundary; completed work
// is never rolled back.
func (o *Orchestrator) CancelMigration(ctx context.Context, jobID, reason string) error {
	err := o.updateJob(ctx, jobID, func(job *Job) error {
		if job.Status.Terminal() {
			return qerrors.ErrJobTerminal
		}
		job.Status = StatusCancelled
		job.CompletedAt = time.Now().UTC()
		job.Results.Errors = append(job.Results.Errors, "cancelled: "+reason)
		return nil
	})
	if err != nil {
		return err
	}
	o.logger.Info("migration cancelled", zap.String("job", jobID), zap.String("reason", reason))
	return nil
}

// run is the job worker. It processes eligible conversations in batches,
// checking for cancellation between batches.
func (o *Orchestrator) run(ctx context.Context, jobID string) {
	ctx, span := o.tracer.Start(ctx, "migration.run",
		trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	job, _, err := o.loadJob(ctx, jobID)
	if err != nil {
		o.logger.Error("job worker could not load job", zap.String("job", jobID), zap.Error(err))
		return
	}

	if job.Strategy == StrategyDelayed {
		o.finishJob(ctx, jobID, StatusCompleted, "deferred")
		return
	}

	conversations, err := o.eligibleConversations(ctx, job.TargetAlgorithm)
	if err != nil {
		o.failJob(ctx, jobID, err)
		return
	}
	total := len(conversations)

	if err := o.updateJob(ctx, jobID, func(j *Job) error {
		if j.Status.Terminal() {
			return qerrors.ErrJobTerminal
		}
		j.Status = StatusInProgress
		j.StartedAt = time.Now().UTC()
		j.Progress.Phase = "migrating"
		return nil
	}); err != nil {
		return
	}
	if total == 0 {
		o.finishJob(ctx, jobID, StatusCompleted, "completed")
		return
	}

	processed := 0
	for batch := 0; processed < total; batch++ {
		if cancelled, err := o.jobCancelled(ctx, jobID); err != nil || cancelled {
			return
		}

		end := processed + job.BatchSize
		if end > total {
			end = total
		}
		batchCtx, batchSpan := o.tracer.Start(ctx, "migration.batch",
			trace.WithAttributes(
				attribute.Int("batch.index", batch),
				attribute.Int("batch.size", end-processed)))
		for _, conversationID := range conversations[processed:end] {
			migErr := o.migrateConversation(batchCtx, job, conversationID)
			if err := o.updateJob(batchCtx, jobID, func(j *Job) error {
				if j.Status.Terminal() {
					return qerrors.ErrJobTerminal
				}
				if migErr != nil {
					j.Results.Failed++
					j.Results.Errors = append(j.Results.Errors, conversationID+": "+migErr.Error())
				} else {
					j.Results.Migrated++
					if j.Results.ByAlgorithm == nil {
						j.Results.ByAlgorithm = map[string]int{}
					}
					j.Results.ByAlgorithm[job.TargetAlgorithm.String()]++
				}
				return nil
			}); err != nil {
				batchSpan.End()
				return
			}
		}
		processed = end
		batchSpan.End()

		percent := float64(processed) / float64(total) * 100
		if err := o.updateJob(ctx, jobID, func(j *Job) error {
			if j.Status.Terminal() {
				return qerrors.ErrJobTerminal
			}
			j.Progress.Step = batch + 1
			if percent > j.Progress.Percent {
				j.Progress.Percent = percent
			}
			return nil
		}); err != nil {
			return
		}

		if job.Strategy == StrategyGradual && processed < total {
			time.Sleep(o.pause)
		}
	}

	o.finishJob(ctx, jobID, StatusCompleted, "completed")
}

// migrateConversation re-negotiates one conversation toward the job's
// target, holding the per-conversation lock so no two workers touch the
// same conversation concurrently.
func (o *Orchestrator) migrateConversation(ctx context.Context, job *Job, conversationID string) error {
	if _, err := o.kv.CompareAndSwap(ctx, lockKey(conversationID), []byte(job.ID), 0); err != nil {
		if qerrors.Is(err, qerrors.ErrConflict) {
			return qerrors.ErrRotationInProgress
		}
		return err
	}
	defer func() {
		if err := o.kv.Delete(ctx, lockKey(conversationID)); err != nil {
			o.logger.Warn("conversation lock release failed",
				zap.String("conversation", conversationID), zap.Error(err))
		}
	}()

	devices, err := o.conversationDevices(ctx, conversationID)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return qerrors.ErrNotFound
	}

	initiator := ""
	capabilities := make([][]string, 0, len(devices))
	for _, id := range devices {
		dev, err := o.dir.Get(ctx, id)
		if err != nil {
			continue
		}
		capabilities = append(capabilities, dev.Capabilities)
		if initiator == "" && dev.Trusted {
			initiator = dev.ID
		}
	}
	if initiator == "" {
		return qerrors.ErrSourceDeviceNotTrusted
	}

	prefs := &algorithm.Preferences{Preferred: job.TargetAlgorithm}
	negotiated := algorithm.Negotiate(capabilities, prefs)
	if negotiated != job.TargetAlgorithm {
		return qerrors.ErrAlgorithmMismatch
	}

	if job.RotateKeys {
		if job.TargetAlgorithm.UsesKEM() {
			if err := o.upgradeIdentities(ctx, devices, job.TargetAlgorithm); err != nil {
				return err
			}
		}
		dist := multidevice.New(o.kv, o.dir, o.keys,
			multidevice.WithKEM(o.kem),
			multidevice.WithPreferences(prefs),
			multidevice.WithLogger(o.logger))
		result, err := dist.RotateConversationKey(ctx, conversationID, devices, initiator)
		if err != nil {
			return err
		}
		crypto.Zeroize(result.ContentKey)
		if len(result.CreatedKeys) == 0 {
			reasons := make([]string, 0, len(result.FailedKeys))
			for _, f := range result.FailedKeys {
				reasons = append(reasons, f.DeviceID+": "+f.Reason)
			}
			return fmt.Errorf("%w: %s", qerrors.ErrKeyWrapFailed, strings.Join(reasons, "; "))
		}
		return nil
	}

	// Without key rotation the migration only records the re-negotiated
	// algorithm; devices pick it up at their next key request.
	return o.updateConversationAlgorithm(ctx, conversationID, negotiated)
}

// upgradeIdentities attaches ML-KEM key material to devices that advertise
// the target algorithm but registered before they had quantum support.
// Identities already carrying quantum material are left untouched; replacing
// their private key would orphan any wrapped keys encapsulated against it.
func (o *Orchestrator) upgradeIdentities(ctx context.Context, devices []string, target algorithm.ID) error {
	kemAlg := kemAlgorithm(target)
	for _, id := range devices {
		ik, err := o.keys.GetIdentity(ctx, id)
		if err != nil {
			// A device missing from the keystore is reported per-device by
			// the rotation itself.
			continue
		}
		if ik.HasQuantum() {
			continue
		}
		if _, err := o.keys.UpgradeIdentityQuantum(ctx, id, kemAlg); err != nil {
			return err
		}
		o.logger.Info("identity upgraded for migration",
			zap.String("device", id),
			zap.String("algorithm", kemAlg.String()))
	}
	return nil
}

func (o *Orchestrator) updateConversationAlgorithm(ctx context.Context, conversationID string, alg algorithm.ID) error {
	for attempt := 0; attempt < 5; attempt++ {
		raw, rev, err := o.kv.Get(ctx, conversationKeyFor(conversationID))
		if err != nil {
			return err
		}
		var state multidevice.ConversationState
		if err := json.Unmarshal(raw, &state); err != nil {
			return err
		}
		state.Algorithm = alg
		state.UpdatedAt = time.Now().UTC()
		next, err := json.Marshal(&state)
		if err != nil {
			return err
		}
		_, err = o.kv.CompareAndSwap(ctx, conversationKeyFor(conversationID), next, rev)
		if qerrors.Is(err, qerrors.ErrConflict) {
			continue
		}
		return err
	}
	return qerrors.ErrConflict
}

func conversationKeyFor(conversationID string) string {
	return conversationPrefix + conversationID
}

// eligibleConversations lists conversations not yet on the target
// algorithm, sorted for deterministic batching.
func (o *Orchestrator) eligibleConversations(ctx context.Context, target algorithm.ID) ([]string, error) {
	entries, err := o.kv.List(ctx, conversationPrefix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		var state multidevice.ConversationState
		if err := json.Unmarshal(entry.Value, &state); err != nil {
			return nil, err
		}
		if state.Algorithm != target {
			out = append(out, state.ConversationID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// conversationDevices finds the devices holding keys for a conversation.
func (o *Orchestrator) conversationDevices(ctx context.Context, conversationID string) ([]string, error) {
	entries, err := o.kv.List(ctx, "multidevice/key/"+conversationID+"/")
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, entry := range entries {
		parts := strings.Split(entry.Key, "/")
		if len(parts) != 5 {
			continue
		}
		if dev := parts[3]; !seen[dev] {
			seen[dev] = true
			out = append(out, dev)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (o *Orchestrator) jobCancelled(ctx context.Context, jobID string) (bool, error) {
	job, _, err := o.loadJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.Status.Terminal(), nil
}

func (o *Orchestrator) finishJob(ctx context.Context, jobID string, status JobStatus, phase string) {
	err := o.updateJob(ctx, jobID, func(j *Job) error {
		if j.Status.Terminal() {
			return qerrors.ErrJobTerminal
		}
		j.Status = status
		j.Progress.Phase = phase
		if j.Progress.Percent < 100 && status == StatusCompleted && phase == "completed" {
			j.Progress.Percent = 100
		}
		j.CompletedAt = time.Now().UTC()
		return nil
	})
	if err != nil && !qerrors.Is(err, qerrors.ErrJobTerminal) {
		o.logger.Error("job finish failed", zap.String("job", jobID), zap.Error(err))
	}
}

func (o *Orchestrator) failJob(ctx context.Context, jobID string, cause error) {
	err := o.updateJob(ctx, jobID, func(j *Job) error {
		if j.Status.Terminal() {
			return qerrors.ErrJobTerminal
		}
		j.Status = StatusFailed
		j.Results.Errors = append(j.Results.Errors, cause.Error())
		j.CompletedAt = time.Now().UTC()
		return nil
	})
	if err != nil && !qerrors.Is(err, qerrors.ErrJobTerminal) {
		o.logger.Error("job fail-transition failed", zap.String("job", jobID), zap.Error(err))
	}
}

func (o *Orchestrator) loadJob(ctx context.Context, jobID string) (*Job, int64, error) {
	raw, rev, err := o.kv.Get(ctx, jobKey(jobID))
	if qerrors.Is(err, qerrors.ErrNotFound) {
		return nil, 0, qerrors.ErrJobNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, 0, err
	}
	return &job, rev, nil
}

// updateJob applies mutate under a compare-and-swap loop.
func (o *Orchestrator) updateJob(ctx context.Context, jobID string, mutate func(*Job) error) error {
	for attempt := 0; attempt < 8; attempt++ {
		job, rev, err := o.loadJob(ctx, jobID)
		if err != nil {
			return err
		}
		if err := mutate(job); err != nil {
			return err
		}
		raw, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = o.kv.CompareAndSwap(ctx, jobKey(jobID), raw, rev)
		if qerrors.Is(err, qerrors.ErrConflict) {
			continue
		}
		return err
	}
	return qerrors.ErrConflict
}

// kemAlgorithm maps a target to the parameter set probed on the provider.
func kemAlgorithm(target algorithm.ID) algorithm.ID {
	if target.IsHybrid() {
		return algorithm.MLKEM768
	}
	return target
}
