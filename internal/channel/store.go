package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/broadline/channelsync/internal/metrics"
)

type StoreOptions struct {
	StateFile          string
	StateBackend       StateBackend
	Registry           IdentityRegistry
	EventQueue         EventQueue
	EventQueueSize     int
	EventWorkers       int
	MaxEventAttempts   int
	EventRetryBase     time.Duration
	EventRetryMax      time.Duration
	MaxEventsPerSecond float64
	DisableWorkers     bool
	ProcessEvent       func(job EventJob) error
	Audit              AuditSink
	Logger             Logger
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type persistedState struct {
	EventCounter      uint64                   `json:"eventCounter"`
	KillSwitchCounter uint64                   `json:"killSwitchCounter"`
	Tenants           map[string]TenantChannel `json:"tenants"`
	Campaigns         map[string]Campaign      `json:"campaigns"`
	Credentials       map[string]Credential    `json:"credentials"`
	KillSwitchEvents  []KillSwitchEvent        `json:"killSwitchEvents"`
	EnvelopesByID     map[string]EventJob      `json:"envelopesById"`
	DeliveryIndex     map[string]string        `json:"deliveryIndex"`
	DeadLetters       map[string]DeadLetter    `json:"deadLetters"`
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: path}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.Path), 0o755); err != nil {
		return err
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

// Store is the control plane's authoritative local state: tenant channel
// records, campaigns, credential metadata, kill-switch audit trail, and
// the event ingestion pipeline. Upstream secrets never enter the store;
// only secret references do.
type Store struct {
	mu      sync.RWMutex
	queueMu sync.Mutex

	tenants          map[string]*TenantChannel
	campaigns        map[string]*Campaign
	credentials      map[string]*Credential
	killSwitchEvents []KillSwitchEvent
	envelopesByID    map[string]*EventJob
	deliveryIndex    map[string]string
	deadLetters      map[string]DeadLetter

	eventCounter      uint64
	killSwitchCounter uint64

	registry     IdentityRegistry
	stateBackend StateBackend
	eventQueue   EventQueue
	queuedEvents map[string]struct{}

	processor func(job EventJob) error
	audit     AuditSink
	logger    Logger
	limiter   *rate.Limiter

	maxEventAttempts int
	eventRetryBase   time.Duration
	eventRetryMax    time.Duration

	closed      chan struct{}
	queueCtx    context.Context
	queueCancel context.CancelFunc
	closeOnce   sync.Once
	wg          sync.WaitGroup
	now         func() time.Time
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	if opts.MaxEventAttempts <= 0 {
		opts.MaxEventAttempts = 5
	}
	if opts.EventRetryBase <= 0 {
		opts.EventRetryBase = 2 * time.Second
	}
	if opts.EventRetryMax <= 0 {
		opts.EventRetryMax = 2 * time.Minute
	}
	if opts.EventWorkers <= 0 {
		opts.EventWorkers = 4
	}
	if opts.EventQueueSize <= 0 {
		opts.EventQueueSize = 1024
	}
	if opts.MaxEventsPerSecond <= 0 {
		opts.MaxEventsPerSecond = 50
	}
	if opts.Registry == nil {
		opts.Registry = NewInMemoryIdentityRegistry()
	}
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(strings.TrimSpace(opts.StateFile))
	}
	eventQueue := opts.EventQueue
	if eventQueue == nil {
		eventQueue = NewInMemoryEventQueue(opts.EventQueueSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		tenants:          map[string]*TenantChannel{},
		campaigns:        map[string]*Campaign{},
		credentials:      map[string]*Credential{},
		envelopesByID:    map[string]*EventJob{},
		deliveryIndex:    map[string]string{},
		deadLetters:      map[string]DeadLetter{},
		registry:         opts.Registry,
		stateBackend:     stateBackend,
		eventQueue:       eventQueue,
		queuedEvents:     map[string]struct{}{},
		audit:            opts.Audit,
		logger:           opts.Logger,
		limiter:          rate.NewLimiter(rate.Limit(opts.MaxEventsPerSecond), int(opts.MaxEventsPerSecond)),
		maxEventAttempts: opts.MaxEventAttempts,
		eventRetryBase:   opts.EventRetryBase,
		eventRetryMax:    opts.EventRetryMax,
		closed:           make(chan struct{}),
		queueCtx:         ctx,
		queueCancel:      cancel,
		now:              time.Now,
	}
	s.processor = opts.ProcessEvent
	if s.processor == nil {
		s.processor = s.applyPlatformEvent
	}

	if err := s.loadFromBackend(); err != nil {
		s.logf("failed to load persisted state: %v", err)
	}
	s.requeuePendingEvents()

	if !opts.DisableWorkers {
		for i := 0; i < opts.EventWorkers; i++ {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.eventWorker()
			}()
		}
	}
	return s
}

func (s *Store) Registry() IdentityRegistry {
	return s.registry
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.queueCancel()
		s.wg.Wait()
		_ = s.eventQueue.Close()
		s.mu.Lock()
		_ = s.saveLocked()
		s.mu.Unlock()
		if closer, ok := s.stateBackend.(stateBackendCloser); ok {
			_ = closer.Close()
		}
		if closer, ok := s.registry.(stateBackendCloser); ok {
			_ = closer.Close()
		}
	})
}

// --- tenant channel records ---

func (s *Store) EnsureTenant(tenantID string) (TenantChannel, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return TenantChannel{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.tenants[tenantID]
	if !ok {
		record = &TenantChannel{
			TenantID:   tenantID,
			SyncStatus: SyncStatusPending,
			Quality:    QualityGreen,
		}
		s.tenants[tenantID] = record
		_ = s.saveLocked()
	}
	return *record, nil
}

func (s *Store) GetTenantChannel(tenantID string) (TenantChannel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.tenants[strings.TrimSpace(tenantID)]
	if !ok {
		return TenantChannel{}, ErrNotFound
	}
	return *record, nil
}

// ListSyncableTenantIDs returns tenants eligible for reconciliation, in a
// stable order. Disconnected (unbound) tenants are excluded.
func (s *Store) ListSyncableTenantIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.tenants))
	for id, record := range s.tenants {
		if record.SyncStatus == SyncStatusUnbound {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DisconnectTenant tombstones the channel record and releases the identity
// binding. The record is never deleted.
func (s *Store) DisconnectTenant(ctx context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ErrInvalidInput
	}
	if err := s.registry.Unbind(ctx, tenantID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.tenants[tenantID]
	if !ok {
		return ErrNotFound
	}
	record.SyncStatus = SyncStatusUnbound
	record.ExternalID = ""
	record.LastSyncError = ""
	record.FailedAt = nil
	_ = s.saveLocked()
	return nil
}

type ApplyResult struct {
	Status      SyncStatus
	Recovered   bool
	KillSwitch  KillSwitchDecision
	PausedCount int
}

// ApplySnapshot is the reconciliation write path: it binds a newly observed
// external id through the identity registry, updates risk fields, advances
// the sync status, and evaluates the kill-switch against the before/after
// states — all within a single pass.
func (s *Store) ApplySnapshot(ctx context.Context, tenantID string, snap ChannelSnapshot) (ApplyResult, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ApplyResult{}, ErrInvalidInput
	}
	current, err := s.GetTenantChannel(tenantID)
	if err != nil {
		return ApplyResult{}, err
	}

	externalID := strings.TrimSpace(snap.ExternalID)
	if externalID != "" && externalID != current.ExternalID {
		if err := s.registry.Bind(ctx, tenantID, externalID); err != nil {
			if errors.Is(err, ErrAlreadyBound) {
				metrics.BindConflictsTotal.Inc()
				s.appendAudit(AuditRecord{
					Type:     "identity_conflict",
					TenantID: tenantID,
					Reason:   "external id already bound to another tenant",
					Details:  map[string]string{"externalId": externalID},
				})
				_ = s.MarkSyncFailure(tenantID, "external id conflict", true)
			}
			return ApplyResult{}, err
		}
	}

	now := s.now().UTC()
	return s.applyChannelChange(tenantID, func(record *TenantChannel) {
		if externalID != "" {
			record.ExternalID = externalID
		}
		if snap.Quality != "" {
			record.Quality = snap.Quality
		}
		record.CapabilityBlocked = snap.CapabilityBlocked
		record.CapabilityReason = snap.CapabilityReason
		record.AccountBlocked = snap.AccountBlocked
		record.AccountReason = snap.AccountReason
		if snap.Provisioned {
			record.SyncStatus = SyncStatusActive
		} else if record.SyncStatus != SyncStatusActive {
			record.SyncStatus = SyncStatusPending
		}
		record.LastSyncedAt = &now
		record.LastSyncError = ""
		record.FailedAt = nil
	})
}

// applyChannelChange runs a mutation under the store lock with kill-switch
// evaluation around it. Campaign pausing and the audit event are applied
// atomically with the state change.
func (s *Store) applyChannelChange(tenantID string, mutate func(record *TenantChannel)) (ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.tenants[tenantID]
	if !ok {
		return ApplyResult{}, ErrNotFound
	}
	before := channelStateOf(*record)
	wasFailed := record.SyncStatus == SyncStatusFailed
	mutate(record)
	after := channelStateOf(*record)

	result := ApplyResult{
		Status:    record.SyncStatus,
		Recovered: wasFailed && record.SyncStatus != SyncStatusFailed,
	}
	decision := EvaluateKillSwitch(before, after)
	if decision.Triggered {
		paused := s.pauseActiveCampaignsLocked(tenantID, decision.Reason)
		event := KillSwitchEvent{
			ID:          s.nextKillSwitchIDLocked(),
			TenantID:    tenantID,
			Reason:      decision.Reason,
			Transitions: decision.Transitions,
			PausedCount: paused,
			Timestamp:   s.now().UTC().Format(time.RFC3339Nano),
		}
		s.killSwitchEvents = append(s.killSwitchEvents, event)
		result.KillSwitch = decision
		result.PausedCount = paused
		metrics.KillSwitchTriggeredTotal.Inc()
		s.appendAudit(AuditRecord{
			Type:     "kill_switch",
			TenantID: tenantID,
			Reason:   decision.Reason,
			Details:  map[string]string{"pausedCampaigns": fmt.Sprintf("%d", paused)},
		})
	}
	_ = s.saveLocked()
	return result, nil
}

func (s *Store) MarkSyncFailure(tenantID, reason string, terminal bool) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.tenants[tenantID]
	if !ok {
		return ErrNotFound
	}
	record.LastSyncError = reason
	if terminal {
		now := s.now().UTC()
		record.SyncStatus = SyncStatusFailed
		record.FailedAt = &now
	}
	_ = s.saveLocked()
	return nil
}

// --- campaigns ---

func (s *Store) AddCampaign(campaign Campaign) error {
	campaign.ID = strings.TrimSpace(campaign.ID)
	campaign.TenantID = strings.TrimSpace(campaign.TenantID)
	if campaign.ID == "" || campaign.TenantID == "" {
		return ErrInvalidInput
	}
	if campaign.Status == "" {
		campaign.Status = CampaignStatusActive
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[campaign.ID] = &campaign
	_ = s.saveLocked()
	return nil
}

func (s *Store) ListCampaigns(tenantID string) []Campaign {
	tenantID = strings.TrimSpace(tenantID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Campaign, 0)
	for _, campaign := range s.campaigns {
		if campaign.TenantID == tenantID {
			out = append(out, *campaign)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PauseActiveCampaigns is the campaign-store collaborator surface: every
// active campaign owned by the tenant transitions to paused with the given
// reason, atomically.
func (s *Store) PauseActiveCampaigns(tenantID, reason string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := s.pauseActiveCampaignsLocked(strings.TrimSpace(tenantID), reason)
	if count > 0 {
		_ = s.saveLocked()
	}
	return count
}

func (s *Store) pauseActiveCampaignsLocked(tenantID, reason string) int {
	now := s.now().UTC()
	count := 0
	for _, campaign := range s.campaigns {
		if campaign.TenantID != tenantID || campaign.Status != CampaignStatusActive {
			continue
		}
		campaign.Status = CampaignStatusPaused
		campaign.PausedReason = reason
		campaign.PausedAt = &now
		count++
	}
	return count
}

// ResumeCampaign re-checks that the triggering condition has cleared before
// reactivating; the kill-switch itself never auto-resumes.
func (s *Store) ResumeCampaign(tenantID, campaignID string) (Campaign, error) {
	tenantID = strings.TrimSpace(tenantID)
	campaignID = strings.TrimSpace(campaignID)
	if tenantID == "" || campaignID == "" {
		return Campaign{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	campaign, ok := s.campaigns[campaignID]
	if !ok || campaign.TenantID != tenantID {
		return Campaign{}, ErrNotFound
	}
	if campaign.Status != CampaignStatusPaused {
		return Campaign{}, ErrInvalidState
	}
	record, ok := s.tenants[tenantID]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	if !killSwitchCleared(*record) {
		return Campaign{}, ErrInvalidState
	}
	campaign.Status = CampaignStatusActive
	campaign.PausedReason = ""
	campaign.PausedAt = nil
	_ = s.saveLocked()
	return *campaign, nil
}

func (s *Store) KillSwitchEvents(tenantID string) []KillSwitchEvent {
	tenantID = strings.TrimSpace(tenantID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]KillSwitchEvent, 0)
	for _, event := range s.killSwitchEvents {
		if tenantID == "" || event.TenantID == tenantID {
			out = append(out, event)
		}
	}
	return out
}

// --- credentials ---

func (s *Store) SetCredential(tenantID, secretRef string, expiresAt time.Time) error {
	tenantID = strings.TrimSpace(tenantID)
	secretRef = strings.TrimSpace(secretRef)
	if tenantID == "" || secretRef == "" || expiresAt.IsZero() {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cred := &Credential{
		TenantID:  tenantID,
		SecretRef: secretRef,
		Status:    CredentialStatusValid,
		ExpiresAt: expiresAt.UTC(),
	}
	s.credentials[tenantID] = cred
	_ = s.saveLocked()
	return nil
}

func (s *Store) GetCredential(tenantID string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.credentials[strings.TrimSpace(tenantID)]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return *cred, nil
}

// CredentialsDue selects credentials approaching expiry that can still be
// refreshed. refresh_failed credentials are excluded until manually
// cleared.
func (s *Store) CredentialsDue(now time.Time, window time.Duration) []Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Credential, 0)
	for _, cred := range s.credentials {
		if cred.Status == CredentialStatusRefreshFailed {
			continue
		}
		if cred.ExpiresAt.Sub(now) > window {
			continue
		}
		if cred.Status == CredentialStatusValid {
			cred.Status = CredentialStatusExpiringSoon
		}
		out = append(out, *cred)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

func (s *Store) MarkCredentialRefreshing(tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[strings.TrimSpace(tenantID)]
	if !ok {
		return ErrNotFound
	}
	if cred.Status == CredentialStatusRefreshFailed {
		return ErrInvalidState
	}
	cred.Status = CredentialStatusRefreshing
	return nil
}

func (s *Store) RecordCredentialRefreshed(tenantID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[strings.TrimSpace(tenantID)]
	if !ok {
		return ErrNotFound
	}
	now := s.now().UTC()
	cred.Status = CredentialStatusValid
	cred.ExpiresAt = expiresAt.UTC()
	cred.RefreshFailureCount = 0
	cred.LastRefreshAt = &now
	cred.LastRefreshError = ""
	_ = s.saveLocked()
	return nil
}

func (s *Store) RecordCredentialRefreshFailure(tenantID, reason string, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[strings.TrimSpace(tenantID)]
	if !ok {
		return ErrNotFound
	}
	cred.RefreshFailureCount++
	cred.LastRefreshError = reason
	if terminal {
		cred.Status = CredentialStatusRefreshFailed
	} else {
		cred.Status = CredentialStatusExpiringSoon
	}
	_ = s.saveLocked()
	return nil
}

// ClearCredentialFailure is the manual operator reset that re-enables
// refresh attempts after exhaustion.
func (s *Store) ClearCredentialFailure(tenantID string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[strings.TrimSpace(tenantID)]
	if !ok {
		return Credential{}, ErrNotFound
	}
	if cred.Status != CredentialStatusRefreshFailed {
		return Credential{}, ErrInvalidState
	}
	cred.Status = CredentialStatusExpiringSoon
	cred.RefreshFailureCount = 0
	cred.LastRefreshError = ""
	_ = s.saveLocked()
	return *cred, nil
}

// --- event ingestion ---

// IngestPlatformEvent is the synchronous intake phase: it deduplicates by
// delivery id, records the job, and enqueues it for asynchronous
// processing. It returns as soon as the job is queued; it never waits for
// processing.
func (s *Store) IngestPlatformEvent(req PlatformEventRequest) (QueuedResponse, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.EventType = strings.TrimSpace(req.EventType)
	req.DeliveryID = strings.TrimSpace(req.DeliveryID)
	if req.TenantID == "" || req.EventType == "" {
		return QueuedResponse{}, ErrInvalidInput
	}
	if req.DeliveryID == "" {
		req.DeliveryID = fmt.Sprintf("dlv_%d", s.now().UnixNano())
	}
	if req.ReceivedAt == "" {
		req.ReceivedAt = s.now().UTC().Format(time.RFC3339Nano)
	}
	if req.Priority == "" {
		req.Priority = priorityForEventType(req.EventType)
	}
	req.Priority = NormalizePriority(req.Priority)
	envelopeID := strings.TrimSpace(req.EnvelopeID)
	if envelopeID == "" {
		envelopeID = fmt.Sprintf("env_%d", s.now().UnixNano())
		req.EnvelopeID = envelopeID
	}

	s.mu.Lock()
	key := deliveryKey(req.TenantID, req.DeliveryID)
	if existingID, exists := s.deliveryIndex[key]; exists {
		s.mu.Unlock()
		metrics.EventsDedupedTotal.Inc()
		return QueuedResponse{Status: "queued", ID: existingID, CorrelationID: req.CorrelationID}, nil
	}
	s.envelopesByID[envelopeID] = &EventJob{Request: req, Status: JobStatusQueued}
	s.deliveryIndex[key] = envelopeID
	_ = s.saveLocked()
	s.mu.Unlock()

	if !s.tryEnqueueEvent(envelopeID, req.Priority) {
		s.mu.Lock()
		delete(s.envelopesByID, envelopeID)
		delete(s.deliveryIndex, key)
		_ = s.saveLocked()
		s.mu.Unlock()
		metrics.EventsDroppedTotal.Inc()
		return QueuedResponse{}, ErrQueueFull
	}
	metrics.EventsAcceptedTotal.Inc()
	return QueuedResponse{Status: "queued", ID: envelopeID, CorrelationID: req.CorrelationID}, nil
}

func (s *Store) GetEventJob(envelopeID string) (EventJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.envelopesByID[strings.TrimSpace(envelopeID)]
	if !ok {
		return EventJob{}, ErrNotFound
	}
	return *job, nil
}

func (s *Store) QueueDepth() int {
	return s.eventQueue.Depth()
}

func (s *Store) tryEnqueueEvent(envelopeID string, priority Priority) bool {
	if envelopeID == "" || s.eventQueue == nil {
		return false
	}
	select {
	case <-s.closed:
		return false
	default:
	}
	s.queueMu.Lock()
	if _, exists := s.queuedEvents[envelopeID]; exists {
		s.queueMu.Unlock()
		return true
	}
	s.queuedEvents[envelopeID] = struct{}{}
	s.queueMu.Unlock()
	if s.eventQueue.TryEnqueue(QueueItem{EnvelopeID: envelopeID, Priority: priority}) {
		return true
	}
	s.queueMu.Lock()
	delete(s.queuedEvents, envelopeID)
	s.queueMu.Unlock()
	return false
}

func (s *Store) enqueueEvent(envelopeID string, priority Priority) {
	if envelopeID == "" || s.eventQueue == nil {
		return
	}
	select {
	case <-s.closed:
		return
	default:
	}
	s.queueMu.Lock()
	if _, exists := s.queuedEvents[envelopeID]; exists {
		s.queueMu.Unlock()
		return
	}
	s.queuedEvents[envelopeID] = struct{}{}
	s.queueMu.Unlock()
	if s.eventQueue.TryEnqueue(QueueItem{EnvelopeID: envelopeID, Priority: priority}) {
		return
	}
	go func() {
		if !s.eventQueue.Enqueue(s.queueCtx, QueueItem{EnvelopeID: envelopeID, Priority: priority}) {
			s.queueMu.Lock()
			delete(s.queuedEvents, envelopeID)
			s.queueMu.Unlock()
		}
	}()
}

func (s *Store) eventWorker() {
	for {
		item, ok := s.eventQueue.Dequeue(s.queueCtx)
		if !ok {
			return
		}
		s.queueMu.Lock()
		delete(s.queuedEvents, item.EnvelopeID)
		s.queueMu.Unlock()
		if err := s.limiter.Wait(s.queueCtx); err != nil {
			return
		}
		s.processEvent(item)
	}
}

func (s *Store) processEvent(item QueueItem) {
	s.mu.Lock()
	job, ok := s.envelopesByID[item.EnvelopeID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if job.Status == JobStatusCompleted || job.Status == JobStatusDeadLetter {
		s.mu.Unlock()
		return
	}
	job.Status = JobStatusProcessing
	job.AttemptCount++
	attempts := job.AttemptCount
	jobCopy := *job
	s.mu.Unlock()

	started := s.now()
	err := s.processor(jobCopy)
	metrics.EventProcessingDuration.Observe(s.now().Sub(started).Seconds())

	s.mu.Lock()
	job, ok = s.envelopesByID[item.EnvelopeID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if err == nil {
		job.Status = JobStatusCompleted
		job.LastError = ""
		_ = s.saveLocked()
		s.mu.Unlock()
		metrics.EventsProcessedTotal.Inc()
		return
	}
	job.LastError = err.Error()
	if attempts >= s.maxEventAttempts {
		job.Status = JobStatusDeadLetter
		s.deadLetters[item.EnvelopeID] = DeadLetter{
			EnvelopeID:   item.EnvelopeID,
			TenantID:     job.Request.TenantID,
			Request:      job.Request,
			AttemptCount: attempts,
			LastError:    err.Error(),
			FailedAt:     s.now().UTC().Format(time.RFC3339Nano),
		}
		_ = s.saveLocked()
		s.mu.Unlock()
		metrics.EventsDeadLetteredTotal.Inc()
		s.appendAudit(AuditRecord{
			Type:     "event_dead_letter",
			TenantID: job.Request.TenantID,
			Reason:   err.Error(),
			Details:  map[string]string{"envelopeId": item.EnvelopeID},
		})
		s.logf("event %s dead-lettered after %d attempts: %v", item.EnvelopeID, attempts, err)
		return
	}
	job.Status = JobStatusQueued
	_ = s.saveLocked()
	s.mu.Unlock()
	s.scheduleEventRetry(item, s.eventRetryDelay(attempts))
}

// eventRetryDelay doubles from the base per attempt, capped.
func (s *Store) eventRetryDelay(attempts int) time.Duration {
	delay := s.eventRetryBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= s.eventRetryMax {
			return s.eventRetryMax
		}
	}
	if delay > s.eventRetryMax {
		return s.eventRetryMax
	}
	return delay
}

func (s *Store) scheduleEventRetry(item QueueItem, delay time.Duration) {
	if item.EnvelopeID == "" {
		return
	}
	if delay <= 0 {
		delay = s.eventRetryBase
	}
	time.AfterFunc(delay, func() {
		select {
		case <-s.closed:
			return
		default:
			s.enqueueEvent(item.EnvelopeID, item.Priority)
		}
	})
}

// applyPlatformEvent is the default event processor. Handlers are
// idempotent: they set absolute state, and the kill-switch only fires on
// transitions, so re-delivery of the same event cannot double-apply.
func (s *Store) applyPlatformEvent(job EventJob) error {
	req := job.Request
	if _, err := s.EnsureTenant(req.TenantID); err != nil {
		return err
	}
	switch req.EventType {
	case "channel.quality_update":
		quality, err := qualityFromPayload(req.Payload)
		if err != nil {
			return err
		}
		_, err = s.applyChannelChange(req.TenantID, func(record *TenantChannel) {
			record.Quality = quality
		})
		return err
	case "channel.capability_update":
		blocked, reason := blockFromPayload(req.Payload)
		_, err := s.applyChannelChange(req.TenantID, func(record *TenantChannel) {
			record.CapabilityBlocked = blocked
			record.CapabilityReason = reason
		})
		return err
	case "account.update":
		blocked, reason := blockFromPayload(req.Payload)
		_, err := s.applyChannelChange(req.TenantID, func(record *TenantChannel) {
			record.AccountBlocked = blocked
			record.AccountReason = reason
		})
		return err
	case "message.status":
		// Delivery receipts carry no channel state; accepting them keeps
		// the upstream subscription acknowledged.
		return nil
	default:
		return fmt.Errorf("%w: event type %s", ErrNotImplemented, req.EventType)
	}
}

// --- dead letters ---

func (s *Store) ListDeadLetters(tenantID, cursor string, limit int) DeadLetterFeed {
	tenantID = strings.TrimSpace(tenantID)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.deadLetters))
	for id, letter := range s.deadLetters {
		if tenantID != "" && letter.TenantID != tenantID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id > cursor {
				start = i
				break
			}
			start = len(ids)
		}
	}
	feed := DeadLetterFeed{Items: make([]DeadLetter, 0, limit)}
	for i := start; i < len(ids) && len(feed.Items) < limit; i++ {
		feed.Items = append(feed.Items, s.deadLetters[ids[i]])
	}
	if start+len(feed.Items) < len(ids) {
		next := feed.Items[len(feed.Items)-1].EnvelopeID
		feed.NextCursor = &next
	}
	return feed
}

func (s *Store) GetDeadLetter(tenantID, envelopeID string) (DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	letter, ok := s.deadLetters[strings.TrimSpace(envelopeID)]
	if !ok || letter.TenantID != strings.TrimSpace(tenantID) {
		return DeadLetter{}, ErrNotFound
	}
	return letter, nil
}

// AcknowledgeDeadLetter removes the dead letter after manual inspection.
// The job record remains for audit but will not be retried.
func (s *Store) AcknowledgeDeadLetter(tenantID, envelopeID, correlationID string) (AckResponse, error) {
	envelopeID = strings.TrimSpace(envelopeID)
	s.mu.Lock()
	defer s.mu.Unlock()
	letter, ok := s.deadLetters[envelopeID]
	if !ok || letter.TenantID != strings.TrimSpace(tenantID) {
		return AckResponse{}, ErrNotFound
	}
	delete(s.deadLetters, envelopeID)
	_ = s.saveLocked()
	return AckResponse{Status: "acknowledged", ID: envelopeID, CorrelationID: correlationID}, nil
}

// ReplayDeadLetter clears the attempt history and requeues the job.
func (s *Store) ReplayDeadLetter(tenantID, envelopeID, correlationID string) (QueuedResponse, error) {
	envelopeID = strings.TrimSpace(envelopeID)
	s.mu.Lock()
	letter, ok := s.deadLetters[envelopeID]
	if !ok || letter.TenantID != strings.TrimSpace(tenantID) {
		s.mu.Unlock()
		return QueuedResponse{}, ErrNotFound
	}
	job, ok := s.envelopesByID[envelopeID]
	if !ok {
		job = &EventJob{Request: letter.Request}
		s.envelopesByID[envelopeID] = job
	}
	job.Status = JobStatusQueued
	job.AttemptCount = 0
	job.LastError = ""
	delete(s.deadLetters, envelopeID)
	priority := job.Request.Priority
	_ = s.saveLocked()
	s.mu.Unlock()
	s.enqueueEvent(envelopeID, priority)
	return QueuedResponse{Status: "queued", ID: envelopeID, CorrelationID: correlationID}, nil
}

// --- persistence ---

func (s *Store) loadFromBackend() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventCounter = snapshot.EventCounter
	s.killSwitchCounter = snapshot.KillSwitchCounter
	s.tenants = map[string]*TenantChannel{}
	for id, record := range snapshot.Tenants {
		clone := record
		s.tenants[id] = &clone
	}
	s.campaigns = map[string]*Campaign{}
	for id, campaign := range snapshot.Campaigns {
		clone := campaign
		s.campaigns[id] = &clone
	}
	s.credentials = map[string]*Credential{}
	for id, cred := range snapshot.Credentials {
		clone := cred
		s.credentials[id] = &clone
	}
	s.killSwitchEvents = append([]KillSwitchEvent(nil), snapshot.KillSwitchEvents...)
	s.envelopesByID = map[string]*EventJob{}
	for id, job := range snapshot.EnvelopesByID {
		clone := job
		s.envelopesByID[id] = &clone
	}
	if snapshot.DeliveryIndex != nil {
		s.deliveryIndex = snapshot.DeliveryIndex
	}
	if snapshot.DeadLetters != nil {
		s.deadLetters = snapshot.DeadLetters
	}
	return nil
}

// requeuePendingEvents puts jobs that were queued or mid-flight at
// shutdown back on the queue. A job interrupted mid-processing is
// delivered again; processing is idempotent, so this is safe.
func (s *Store) requeuePendingEvents() {
	s.mu.RLock()
	pending := make([]QueueItem, 0)
	for id, job := range s.envelopesByID {
		if job.Status == JobStatusQueued || job.Status == JobStatusProcessing {
			pending = append(pending, QueueItem{EnvelopeID: id, Priority: job.Request.Priority})
		}
	}
	s.mu.RUnlock()
	queued := map[string]struct{}{}
	if snapshotter, ok := s.eventQueue.(eventQueueSnapshotter); ok {
		for _, item := range snapshotter.SnapshotItems() {
			queued[item.EnvelopeID] = struct{}{}
		}
		s.queueMu.Lock()
		for id := range queued {
			s.queuedEvents[id] = struct{}{}
		}
		s.queueMu.Unlock()
	}
	for _, item := range pending {
		if _, alreadyQueued := queued[item.EnvelopeID]; alreadyQueued {
			continue
		}
		s.enqueueEvent(item.EnvelopeID, item.Priority)
	}
}

func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot := &persistedState{
		EventCounter:      s.eventCounter,
		KillSwitchCounter: s.killSwitchCounter,
		Tenants:           map[string]TenantChannel{},
		Campaigns:         map[string]Campaign{},
		Credentials:       map[string]Credential{},
		KillSwitchEvents:  append([]KillSwitchEvent(nil), s.killSwitchEvents...),
		EnvelopesByID:     map[string]EventJob{},
		DeliveryIndex:     map[string]string{},
		DeadLetters:       map[string]DeadLetter{},
	}
	for id, record := range s.tenants {
		snapshot.Tenants[id] = *record
	}
	for id, campaign := range s.campaigns {
		snapshot.Campaigns[id] = *campaign
	}
	for id, cred := range s.credentials {
		snapshot.Credentials[id] = *cred
	}
	for id, job := range s.envelopesByID {
		snapshot.EnvelopesByID[id] = *job
	}
	for key, id := range s.deliveryIndex {
		snapshot.DeliveryIndex[key] = id
	}
	for id, letter := range s.deadLetters {
		snapshot.DeadLetters[id] = letter
	}
	return s.stateBackend.Save(snapshot)
}

func (s *Store) nextKillSwitchIDLocked() string {
	s.killSwitchCounter++
	return fmt.Sprintf("ks_%06d", s.killSwitchCounter)
}

func (s *Store) appendAudit(record AuditRecord) {
	if s.audit == nil {
		return
	}
	record.Timestamp = s.now().UTC()
	s.audit.Append(record)
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

// --- helpers ---

func deliveryKey(tenantID, deliveryID string) string {
	return tenantID + "|" + deliveryID
}

// Quality and account changes jump the queue ahead of routine receipts.
func priorityForEventType(eventType string) Priority {
	switch {
	case strings.HasPrefix(eventType, "account."):
		return PriorityHigh
	case strings.HasPrefix(eventType, "channel."):
		return PriorityHigh
	case eventType == "message.status":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

func qualityFromPayload(payload map[string]any) (Quality, error) {
	raw, _ := payload["quality"].(string)
	switch Quality(strings.ToLower(strings.TrimSpace(raw))) {
	case QualityGreen:
		return QualityGreen, nil
	case QualityYellow:
		return QualityYellow, nil
	case QualityRed:
		return QualityRed, nil
	default:
		return "", fmt.Errorf("%w: quality %q", ErrInvalidInput, raw)
	}
}

func blockFromPayload(payload map[string]any) (bool, string) {
	blocked, _ := payload["blocked"].(bool)
	reason, _ := payload["reason"].(string)
	if !blocked {
		reason = ""
	}
	return blocked, strings.TrimSpace(reason)
}
