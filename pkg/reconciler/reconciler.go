// Package reconciler compares declared cookbook state against the persisted
// fingerprint state and invokes external actions only where drift is
// detected. Sections apply in a fixed order: pre_install, remove, install,
// files, services, post_install.
package reconciler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ladlehq/ladle/pkg/cookbook"
	"github.com/ladlehq/ladle/pkg/executor"
	"github.com/ladlehq/ladle/pkg/state"
	"github.com/ladlehq/ladle/pkg/telemetry"
)

// PackageBackend is the package-manager surface the reconciler drives.
type PackageBackend interface {
	IsInstalled(ctx context.Context, name string) (bool, string)
	Install(ctx context.Context, name, version string) executor.Result
	Remove(ctx context.Context, name string) executor.Result
	Upgrade(ctx context.Context, name string) executor.Result
}

// ServiceBackend is the service-manager surface the reconciler drives.
type ServiceBackend interface {
	Start(ctx context.Context, name string) executor.Result
	Stop(ctx context.Context, name string) executor.Result
	Restart(ctx context.Context, name string) executor.Result
	Enable(ctx context.Context, name string) executor.Result
	Disable(ctx context.Context, name string) executor.Result
}

// CommandBackend runs pre/post install phase commands.
type CommandBackend interface {
	Run(ctx context.Context, spec executor.Spec) executor.Result
}

// Recorder persists run outcomes to the journal.
type Recorder interface {
	RecordRun(ctx context.Context, outcome *RunOutcome) error
}

// Reconciler applies cookbooks against a host. Dependencies are injected so
// tests can run against fakes and an in-memory state store.
type Reconciler struct {
	store    state.Store
	packages PackageBackend
	services ServiceBackend
	commands CommandBackend
	recorder Recorder
	metrics  *telemetry.Metrics
	policy   FailurePolicy
	logger   zerolog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithPolicy sets the failure policy for subsequent runs.
func WithPolicy(p FailurePolicy) Option {
	return func(r *Reconciler) { r.policy = p }
}

// WithRecorder attaches a run journal.
func WithRecorder(rec Recorder) Option {
	return func(r *Reconciler) { r.recorder = rec }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// New creates a Reconciler.
func New(
	store state.Store,
	packages PackageBackend,
	services ServiceBackend,
	commands CommandBackend,
	logger zerolog.Logger,
	opts ...Option,
) *Reconciler {
	r := &Reconciler{
		store:    store,
		packages: packages,
		services: services,
		commands: commands,
		policy:   PolicyFailFast,
		logger:   logger.With().Str("component", "reconciler").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ApplyDir loads every cookbook in dir and applies them in name order under
// a single state lock. When dir is a symlink (the published cookbook link),
// it is resolved once up front so the whole run reads one consistent tree
// even if a sync cycle swaps the link mid-run.
func (r *Reconciler) ApplyDir(ctx context.Context, dir string) ([]*RunOutcome, bool, error) {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, fmt.Errorf("cookbook directory %s does not exist", dir)
		}
		return nil, false, fmt.Errorf("failed to resolve cookbook directory: %w", err)
	}

	cookbooks, err := cookbook.LoadDir(resolved)
	if err != nil {
		return nil, false, NewParseError("failed to load cookbooks", err)
	}
	if len(cookbooks) == 0 {
		return nil, false, NewParseError("no cookbooks found", fmt.Errorf("directory %s has no yaml documents", resolved))
	}

	if err := r.store.Lock(); err != nil {
		return nil, false, NewLockedError(err)
	}
	defer r.store.Unlock()

	st, err := r.store.Load()
	if err != nil {
		return nil, false, fmt.Errorf("failed to load state: %w", err)
	}

	combined := cookbook.CombinedHash(cookbooks)
	runCommands := st.ConfigHash != combined

	outcomes := make([]*RunOutcome, 0, len(cookbooks))
	success := true
	for _, cb := range cookbooks {
		outcome := r.applyCookbook(ctx, cb, st, runCommands)
		outcomes = append(outcomes, outcome)
		if !outcome.Success {
			success = false
			if r.policy == PolicyFailFast {
				break
			}
		}
	}

	if success {
		st.ConfigHash = combined
		st.LastConfigApplied = time.Now().UTC()
	}

	// Applied resources keep their fingerprints even when the run aborted,
	// so the next run only retries what actually failed.
	if err := r.store.Save(st); err != nil {
		return outcomes, false, fmt.Errorf("failed to save state: %w", err)
	}

	return outcomes, success, nil
}

// Apply applies a single cookbook under the state lock and returns its
// ordered per-resource outcome list.
func (r *Reconciler) Apply(ctx context.Context, cb *cookbook.Cookbook) (*RunOutcome, error) {
	if err := r.store.Lock(); err != nil {
		return nil, NewLockedError(err)
	}
	defer r.store.Unlock()

	st, err := r.store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	combined := cookbook.CombinedHash([]*cookbook.Cookbook{cb})
	outcome := r.applyCookbook(ctx, cb, st, st.ConfigHash != combined)

	if outcome.Success {
		st.ConfigHash = combined
		st.LastConfigApplied = time.Now().UTC()
	}
	if err := r.store.Save(st); err != nil {
		return outcome, fmt.Errorf("failed to save state: %w", err)
	}

	return outcome, nil
}

// applyCookbook runs the fixed section order against st, mutating it as
// resources succeed. A StateRecord is written only after the corresponding
// action succeeds; failed resources keep their prior fingerprint.
func (r *Reconciler) applyCookbook(ctx context.Context, cb *cookbook.Cookbook, st *state.State, runCommands bool) *RunOutcome {
	outcome := &RunOutcome{
		RunID:     uuid.New().String(),
		Cookbook:  cb.Name,
		Policy:    r.policy,
		StartedAt: time.Now().UTC(),
	}

	logger := r.logger.With().Str("cookbook", cb.Name).Str("run_id", outcome.RunID).Logger()
	logger.Info().
		Str("policy", string(r.policy)).
		Int("resources", cb.ResourceCount()).
		Msg("applying cookbook")

	run := &runContext{
		reconciler:  r,
		state:       st,
		outcome:     outcome,
		logger:      logger,
		runCommands: runCommands,
		notified:    make(map[string]bool),
		restarted:   make(map[string]bool),
	}

	// Fixed section order, independent of declaration order in the source.
	sections := []func(context.Context, *cookbook.Cookbook) bool{
		run.applyPreInstall,
		run.applyRemove,
		run.applyInstall,
		run.applyFiles,
		run.applyServices,
		run.applyPostInstall,
	}

	aborted := false
	for _, section := range sections {
		if !section(ctx, cb) {
			aborted = true
			break
		}
	}
	if !aborted {
		run.restartRemaining(ctx)
	}

	outcome.Aborted = aborted
	_, _, failed := outcome.Counts()
	outcome.Success = failed == 0
	outcome.CompletedAt = time.Now().UTC()

	skipped, applied, failedCount := outcome.Counts()
	logger.Info().
		Bool("success", outcome.Success).
		Int("skipped", skipped).
		Int("applied", applied).
		Int("failed", failedCount).
		Msg("cookbook apply finished")

	r.metrics.ObserveRun(outcome.Success)
	for _, res := range outcome.Resources {
		r.metrics.ObserveResource(string(res.Status))
	}

	if r.recorder != nil {
		if err := r.recorder.RecordRun(ctx, outcome); err != nil {
			logger.Warn().Err(err).Msg("failed to record run in journal")
		}
	}

	return outcome
}

// runContext carries the mutable bookkeeping of one cookbook apply.
type runContext struct {
	reconciler  *Reconciler
	state       *state.State
	outcome     *RunOutcome
	logger      zerolog.Logger
	runCommands bool

	// notified collects services referenced by changed files; each is
	// restarted at most once per cycle.
	notified  map[string]bool
	restarted map[string]bool
}

func (rc *runContext) record(id string, status ResourceStatus, reason string, d time.Duration) {
	rc.outcome.Resources = append(rc.outcome.Resources, ResourceOutcome{
		ID:       id,
		Status:   status,
		Reason:   reason,
		Duration: d,
	})
}

// fail records a failure and reports whether the run should continue.
func (rc *runContext) fail(id, reason string, d time.Duration) bool {
	rc.logger.Error().Str("resource", id).Str("reason", reason).Msg("resource apply failed")
	rc.record(id, StatusFailed, reason, d)
	return rc.reconciler.policy == PolicyContinue
}

// abortRemaining records the unprocessed resources of an aborted run so the
// outcome list still covers every declared resource.
func (rc *runContext) abortRemaining(ids []string) {
	for _, id := range ids {
		rc.record(id, StatusSkipped, "run aborted by earlier failure", 0)
	}
}

func failureReason(res executor.Result) string {
	if res.Status == executor.StatusTimedOut {
		return "timeout: " + res.Reason
	}
	return res.Reason
}

func (rc *runContext) applyPreInstall(ctx context.Context, cb *cookbook.Cookbook) bool {
	return rc.applyCommands(ctx, cb.PreInstall)
}

func (rc *runContext) applyPostInstall(ctx context.Context, cb *cookbook.Cookbook) bool {
	return rc.applyCommands(ctx, cb.PostInstall)
}

func (rc *runContext) applyCommands(ctx context.Context, specs []cookbook.CommandSpec) bool {
	for i, spec := range specs {
		if !rc.runCommands {
			rc.record(spec.ID(), StatusSkipped, "cookbook unchanged", 0)
			continue
		}

		rc.logger.Info().Str("resource", spec.ID()).Str("command", spec.Command).Msg("running command")
		start := time.Now()
		res := rc.reconciler.commands.Run(ctx, executor.Spec{
			Command: spec.Command,
			Sudo:    spec.Sudo,
			Timeout: spec.Timeout,
		})
		if !res.OK() {
			if !rc.fail(spec.ID(), failureReason(res), time.Since(start)) {
				rc.abortRemaining(commandIDs(specs[i+1:]))
				return false
			}
			continue
		}
		rc.record(spec.ID(), StatusApplied, "", time.Since(start))
	}
	return true
}

func commandIDs(specs []cookbook.CommandSpec) []string {
	ids := make([]string, len(specs))
	for i, s := range specs {
		ids[i] = s.ID()
	}
	return ids
}

func (rc *runContext) applyRemove(ctx context.Context, cb *cookbook.Cookbook) bool {
	for i, spec := range cb.Remove {
		rec, ok := rc.state.Packages[spec.Name]
		if ok && rec == "absent" {
			rc.record(spec.ID(), StatusSkipped, "", 0)
			continue
		}

		rc.reconciler.metrics.ObserveDrift()
		installed, _ := rc.reconciler.packages.IsInstalled(ctx, spec.Name)
		if !installed {
			rc.state.Packages[spec.Name] = "absent"
			rc.record(spec.ID(), StatusSkipped, "not installed", 0)
			continue
		}

		rc.logger.Info().Str("resource", spec.ID()).Msg("removing package")
		start := time.Now()
		res := rc.reconciler.packages.Remove(ctx, spec.Name)
		if !res.OK() {
			if !rc.fail(spec.ID(), failureReason(res), time.Since(start)) {
				rc.abortRemaining(packageIDs(cb.Remove[i+1:]))
				return false
			}
			continue
		}
		rc.state.Packages[spec.Name] = "absent"
		rc.record(spec.ID(), StatusApplied, "", time.Since(start))
	}
	return true
}

func (rc *runContext) applyInstall(ctx context.Context, cb *cookbook.Cookbook) bool {
	for i, spec := range cb.Install {
		rec, ok := rc.state.Packages[spec.Name]
		upToDate := ok && rec != "absent" &&
			(spec.Constraint() != cookbook.VersionExact || rec == spec.Version)
		if upToDate {
			rc.record(spec.ID(), StatusSkipped, "", 0)
			continue
		}

		rc.reconciler.metrics.ObserveDrift()
		installed, version := rc.reconciler.packages.IsInstalled(ctx, spec.Name)

		// Already satisfied on the host, only the record was missing.
		satisfied := installed &&
			(spec.Constraint() == cookbook.VersionAny ||
				(spec.Constraint() == cookbook.VersionExact && version == spec.Version))
		if satisfied {
			rc.state.Packages[spec.Name] = version
			rc.record(spec.ID(), StatusSkipped, "already installed", 0)
			continue
		}

		rc.logger.Info().Str("resource", spec.ID()).Str("version", spec.Version).Msg("installing package")
		start := time.Now()
		var res executor.Result
		if installed && spec.Constraint() == cookbook.VersionLatest {
			res = rc.reconciler.packages.Upgrade(ctx, spec.Name)
		} else {
			res = rc.reconciler.packages.Install(ctx, spec.Name, spec.Version)
		}
		if !res.OK() {
			if !rc.fail(spec.ID(), failureReason(res), time.Since(start)) {
				rc.abortRemaining(packageIDs(cb.Install[i+1:]))
				return false
			}
			continue
		}

		// Presence was verified by the backend; record the queried version.
		_, newVersion := rc.reconciler.packages.IsInstalled(ctx, spec.Name)
		rc.state.Packages[spec.Name] = newVersion
		rc.record(spec.ID(), StatusApplied, "", time.Since(start))
	}
	return true
}

func packageIDs(specs []cookbook.PackageSpec) []string {
	ids := make([]string, len(specs))
	for i, s := range specs {
		ids[i] = s.ID()
	}
	return ids
}

func (rc *runContext) applyFiles(_ context.Context, cb *cookbook.Cookbook) bool {
	for i, spec := range cb.Files {
		if spec.State == cookbook.PresenceAbsent {
			if !rc.applyFileAbsent(spec) {
				rc.abortRemaining(fileIDs(cb.Files[i+1:]))
				return false
			}
			continue
		}

		fp := spec.Fingerprint()
		contentOK := rc.state.Files[spec.Path] == fp
		metaOK := fileMetadataMatches(spec)
		if contentOK && metaOK {
			rc.record(spec.ID(), StatusSkipped, "", 0)
			continue
		}

		rc.reconciler.metrics.ObserveDrift()
		start := time.Now()

		_, statErr := os.Stat(spec.Path)
		needsContent := !contentOK || statErr != nil
		if needsContent {
			rc.logger.Info().Str("resource", spec.ID()).Msg("writing file")
			if err := writeFileAtomic(spec); err != nil {
				if !rc.fail(spec.ID(), err.Error(), time.Since(start)) {
					rc.abortRemaining(fileIDs(cb.Files[i+1:]))
					return false
				}
				continue
			}
		}

		// Ownership and mode are enforced as a separate, always-checked
		// step: metadata drift is corrected even when content matched.
		if err := enforceFileMetadata(spec); err != nil {
			if !rc.fail(spec.ID(), err.Error(), time.Since(start)) {
				rc.abortRemaining(fileIDs(cb.Files[i+1:]))
				return false
			}
			continue
		}

		rc.state.Files[spec.Path] = fp
		rc.record(spec.ID(), StatusApplied, "", time.Since(start))
		for _, svc := range spec.Notify {
			rc.notified[svc] = true
		}
	}
	return true
}

func (rc *runContext) applyFileAbsent(spec cookbook.FileSpec) bool {
	_, statErr := os.Stat(spec.Path)
	_, hasRecord := rc.state.Files[spec.Path]
	if statErr != nil && os.IsNotExist(statErr) {
		delete(rc.state.Files, spec.Path)
		if hasRecord {
			rc.record(spec.ID(), StatusApplied, "record pruned", 0)
		} else {
			rc.record(spec.ID(), StatusSkipped, "", 0)
		}
		return true
	}

	rc.reconciler.metrics.ObserveDrift()
	rc.logger.Info().Str("resource", spec.ID()).Msg("removing file")
	start := time.Now()
	if err := os.Remove(spec.Path); err != nil {
		return rc.fail(spec.ID(), err.Error(), time.Since(start))
	}
	delete(rc.state.Files, spec.Path)
	rc.record(spec.ID(), StatusApplied, "", time.Since(start))
	for _, svc := range spec.Notify {
		rc.notified[svc] = true
	}
	return true
}

func fileIDs(specs []cookbook.FileSpec) []string {
	ids := make([]string, len(specs))
	for i, s := range specs {
		ids[i] = s.ID()
	}
	return ids
}

func (rc *runContext) applyServices(ctx context.Context, cb *cookbook.Cookbook) bool {
	for i, spec := range cb.Services {
		desired := spec.DesiredStatus()
		rec := rc.state.Services[spec.Name]
		inBatch := rc.notified[spec.Name]

		if rec == desired && !inBatch {
			rc.record(spec.ID(), StatusSkipped, "", 0)
			continue
		}

		rc.reconciler.metrics.ObserveDrift()
		rc.logger.Info().
			Str("resource", spec.ID()).
			Str("desired", desired).
			Bool("notified", inBatch).
			Msg("enforcing service state")
		start := time.Now()

		var res executor.Result
		switch spec.State {
		case cookbook.ServiceStopped:
			// A stopped service is never restarted by a notification.
			delete(rc.notified, spec.Name)
			res = rc.reconciler.services.Stop(ctx, spec.Name)
		case cookbook.ServiceRestarted:
			res = rc.restartOnce(ctx, spec.Name)
		default: // started
			if inBatch {
				res = rc.restartOnce(ctx, spec.Name)
			} else {
				res = rc.reconciler.services.Start(ctx, spec.Name)
			}
		}
		if !res.OK() {
			delete(rc.notified, spec.Name)
			if !rc.fail(spec.ID(), failureReason(res), time.Since(start)) {
				rc.abortRemaining(serviceIDs(cb.Services[i+1:]))
				return false
			}
			continue
		}

		if spec.Enabled != nil {
			var enableRes executor.Result
			if *spec.Enabled {
				enableRes = rc.reconciler.services.Enable(ctx, spec.Name)
			} else {
				enableRes = rc.reconciler.services.Disable(ctx, spec.Name)
			}
			if !enableRes.OK() {
				delete(rc.notified, spec.Name)
				if !rc.fail(spec.ID(), failureReason(enableRes), time.Since(start)) {
					rc.abortRemaining(serviceIDs(cb.Services[i+1:]))
					return false
				}
				continue
			}
		}

		delete(rc.notified, spec.Name)
		rc.state.Services[spec.Name] = desired
		rc.record(spec.ID(), StatusApplied, "", time.Since(start))
	}
	return true
}

// restartOnce restarts a service at most once per cycle, no matter how many
// changed files reference it.
func (rc *runContext) restartOnce(ctx context.Context, name string) executor.Result {
	if rc.restarted[name] {
		return executor.Result{Status: executor.StatusNotApplicable}
	}
	res := rc.reconciler.services.Restart(ctx, name)
	if res.OK() {
		rc.restarted[name] = true
	}
	return res
}

// restartRemaining restarts notified services that no ServiceSpec declared.
func (rc *runContext) restartRemaining(ctx context.Context) {
	for name := range rc.notified {
		start := time.Now()
		res := rc.restartOnce(ctx, name)
		if res.Status == executor.StatusNotApplicable {
			continue
		}
		id := "service." + name
		if !res.OK() {
			rc.fail(id, failureReason(res), time.Since(start))
			continue
		}
		rc.record(id, StatusApplied, "restarted by notification", time.Since(start))
	}
}

func serviceIDs(specs []cookbook.ServiceSpec) []string {
	ids := make([]string, len(specs))
	for i, s := range specs {
		ids[i] = s.ID()
	}
	return ids
}
