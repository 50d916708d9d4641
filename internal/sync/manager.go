package sync

import (
	"context"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/asgard-mail/core/internal/cache"
	"github.com/asgard-mail/core/internal/config"
	"github.com/asgard-mail/core/internal/mailerr"
	"github.com/asgard-mail/core/internal/search"
	"github.com/asgard-mail/core/internal/storage"
	"github.com/asgard-mail/core/pkg/types"
)

// accountSlot pairs an engine with the mutex that serializes its sync cycles.
// Engines hold non-reentrant session state, so two cycles for the same
// account must never overlap.
type accountSlot struct {
	mu     stdsync.Mutex
	engine Engine

	// paused is the user's pause request. Kept outside engineState so a
	// pause issued while a cycle is running survives the cycle finishing.
	paused atomic.Bool
}

// status derives the externally visible state: a pause request reports as
// Paused once the in-flight cycle, if any, has drained.
func (s *accountSlot) status() Status {
	st := s.engine.Status()
	if s.paused.Load() && st != StatusRunning {
		return StatusPaused
	}
	return st
}

// stateSetter is the write side of engineState. Every engine embeds
// engineState, so the assertion in the manager always holds.
type stateSetter interface {
	setStatus(Status)
	setResult(*Result)
}

// Manager owns one engine per account and schedules their sync cycles.
type Manager struct {
	cfg     *config.Config
	storage storage.Store
	index   search.Index
	content *cache.ContentCache
	tokens  TokenSource
	logger  *logrus.Logger

	// newEngine builds the engine for an account. Overridable in tests.
	newEngine func(*types.Account, *config.Config, TokenSource, *logrus.Logger) (Engine, error)

	mu      stdsync.RWMutex
	engines map[uuid.UUID]*accountSlot

	// sem bounds cross-account concurrency at MaxConcurrentSyncs.
	sem chan struct{}

	statsMu       stdsync.Mutex
	stats         Stats
	totalDuration time.Duration

	bgMu     stdsync.Mutex
	bgCancel context.CancelFunc
	bgDone   chan struct{}
}

// NewManager creates a sync manager. index and content may be nil; indexing
// and body caching are then skipped.
func NewManager(cfg *config.Config, store storage.Store, index search.Index, content *cache.ContentCache, tokens TokenSource, logger *logrus.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		storage:   store,
		index:     index,
		content:   content,
		tokens:    tokens,
		logger:    logger,
		newEngine: NewEngine,
		engines:   make(map[uuid.UUID]*accountSlot),
		sem:       make(chan struct{}, cfg.MaxConcurrentSyncs),
	}
}

// AddAccount registers the account, persisting it if it is not stored yet,
// and builds its engine.
func (m *Manager) AddAccount(ctx context.Context, account *types.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[account.ID]; exists {
		return mailerr.E(mailerr.KindValidation, "sync.add_account", "account already registered")
	}

	engine, err := m.newEngine(account, m.cfg, m.tokens, m.logger)
	if err != nil {
		return err
	}

	if _, err := m.storage.GetAccount(account.ID); err != nil {
		if !mailerr.IsNotFound(err) {
			return err
		}
		if err := m.storage.CreateAccount(account); err != nil {
			return err
		}
	}

	m.engines[account.ID] = &accountSlot{engine: engine}
	m.logger.WithFields(logrus.Fields{
		"account_id": account.ID,
		"email":      account.Email,
		"type":       account.Type,
	}).Info("Account registered for sync")
	return nil
}

// RemoveAccount unregisters the account, disconnects its engine and deletes
// the stored account. Disconnect and delete failures are logged, never
// propagated; removal always succeeds for a registered account.
func (m *Manager) RemoveAccount(ctx context.Context, accountID uuid.UUID) error {
	m.mu.Lock()
	slot, ok := m.engines[accountID]
	if ok {
		delete(m.engines, accountID)
	}
	m.mu.Unlock()

	if !ok {
		return mailerr.E(mailerr.KindNotFound, "sync.remove_account", "account not registered")
	}

	// The slot is out of the map so no new cycle can start; taking the
	// slot mutex waits out a cycle that is already using the session.
	slot.mu.Lock()
	if err := slot.engine.Disconnect(ctx); err != nil {
		m.logger.WithField("account_id", accountID).WithError(err).Warn("Disconnect failed during removal")
	}
	slot.mu.Unlock()

	if err := m.storage.DeleteAccount(accountID); err != nil {
		m.logger.WithField("account_id", accountID).WithError(err).Warn("Failed to delete stored account")
	}
	m.logger.WithField("account_id", accountID).Info("Account removed from sync")
	return nil
}

// SyncAccount runs one full sync cycle for the account. Concurrent calls for
// the same account serialize; an unknown account fails without touching the
// stats.
func (m *Manager) SyncAccount(ctx context.Context, accountID uuid.UUID) (*Result, error) {
	m.mu.RLock()
	slot, ok := m.engines[accountID]
	m.mu.RUnlock()
	if !ok {
		return nil, mailerr.E(mailerr.KindNotFound, "sync.sync_account", "account not registered")
	}

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, mailerr.Wrap(mailerr.KindTimeout, "sync.sync_account", ctx.Err())
	}
	defer func() { <-m.sem }()

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.paused.Load() {
		return nil, mailerr.E(mailerr.KindValidation, "sync.sync_account", "account is paused")
	}

	setter := slot.engine.(stateSetter)
	setter.setStatus(StatusRunning)

	result := m.runCycle(ctx, slot.engine)
	setter.setResult(result)
	if result.Err != nil {
		setter.setStatus(StatusError)
	} else {
		setter.setStatus(StatusIdle)
	}

	m.recordResult(result)
	m.updateAccountStatus(accountID, result.Err)

	if result.Err != nil {
		return result, result.Err
	}
	return result, nil
}

// runCycle connects, syncs every mailbox, and persists what it finds. A
// failing mailbox is logged and skipped; the cycle only fails outright on
// connect or folder-listing errors. SyncTimeout bounds individual server
// operations inside the engines, not the cycle as a whole.
func (m *Manager) runCycle(ctx context.Context, engine Engine) *Result {
	start := time.Now()
	result := &Result{}

	if err := engine.Connect(ctx); err != nil {
		result.Err = err
		result.Duration = time.Since(start)
		return result
	}
	defer func() {
		if err := engine.Disconnect(context.Background()); err != nil {
			m.logger.WithField("account_id", engine.AccountID()).WithError(err).Warn("Disconnect failed after sync")
		}
	}()

	mailboxes, err := engine.SyncMailboxes(ctx)
	if err != nil {
		result.Err = err
		result.Duration = time.Since(start)
		return result
	}

	for _, mb := range mailboxes {
		log := m.logger.WithFields(logrus.Fields{
			"account_id": engine.AccountID(),
			"mailbox":    mb.Name,
		})
		if err := m.storage.CreateMailbox(mb); err != nil {
			log.WithError(err).Warn("Failed to persist mailbox, skipping")
			continue
		}
		messages, err := engine.SyncMailboxMessages(ctx, mb)
		if err != nil {
			log.WithError(err).Warn("Mailbox sync failed, continuing with next")
			continue
		}
		for _, msg := range messages {
			if err := m.persistMessage(msg, result); err != nil {
				log.WithField("uid", msg.Meta.UID).WithError(err).Warn("Failed to persist message")
			}
		}
	}

	result.Duration = time.Since(start)
	return result
}

// persistMessage stores one fetched message, matching it against previously
// synced ones by Message-ID header, falling back to mailbox-scoped UID for
// messages without one.
func (m *Manager) persistMessage(msg *types.Message, result *Result) error {
	existing, err := m.storage.GetMessageByMessageID(msg.AccountID, msg.Meta.MessageID)
	if err != nil {
		return err
	}
	if existing == nil {
		existing, err = m.storage.GetMessageByUID(msg.MailboxID, msg.Meta.UID)
		if err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	if existing != nil {
		msg.ID = existing.ID
		msg.CreatedAt = existing.CreatedAt
		msg.UpdatedAt = now
		if err := m.storage.UpdateMessage(msg); err != nil {
			return err
		}
		if m.index != nil {
			if err := m.index.UpdateMessage(msg.ID, msg.Meta.Subject, msg.Meta.From, msg.BodyText); err != nil {
				m.logger.WithField("message_id", msg.ID).WithError(err).Warn("Failed to reindex message")
			}
		}
		result.UpdatedMessages++
	} else {
		msg.CreatedAt = now
		msg.UpdatedAt = now
		if err := m.storage.CreateMessage(msg); err != nil {
			return err
		}
		if m.index != nil {
			if err := m.index.AddMessage(msg.ID, msg.Meta.Subject, msg.Meta.From, msg.BodyText); err != nil {
				m.logger.WithField("message_id", msg.ID).WithError(err).Warn("Failed to index message")
			}
		}
		m.cacheBody(msg)
		result.NewMessages++
	}
	result.MessagesSynced++
	return nil
}

func (m *Manager) cacheBody(msg *types.Message) {
	if m.content == nil {
		return
	}
	var data []byte
	contentType := "text/plain; charset=utf-8"
	switch {
	case msg.BodyHTML != "":
		data = []byte(msg.BodyHTML)
		contentType = "text/html; charset=utf-8"
	case msg.BodyText != "":
		data = []byte(msg.BodyText)
	default:
		return
	}
	if err := m.content.StoreMessage(msg.ID, data, contentType); err != nil {
		m.logger.WithField("message_id", msg.ID).WithError(err).Warn("Failed to cache message body")
	}
}

// SendMessage submits a message over the account's SMTP server.
func (m *Manager) SendMessage(ctx context.Context, accountID uuid.UUID, msg *OutgoingMessage) error {
	account, err := m.storage.GetAccount(accountID)
	if err != nil {
		return err
	}
	sender := NewSMTPSender(account, m.cfg, m.tokens, m.logger)
	return sender.Send(ctx, msg)
}

// Pause stops future cycles for the account. An errored account cannot be
// paused; it needs a successful or explicitly retried sync first.
func (m *Manager) Pause(accountID uuid.UUID) error {
	m.mu.RLock()
	slot, ok := m.engines[accountID]
	m.mu.RUnlock()
	if !ok {
		return mailerr.E(mailerr.KindNotFound, "sync.pause", "account not registered")
	}

	if slot.paused.Load() {
		return nil
	}
	if slot.engine.Status() == StatusError {
		return mailerr.E(mailerr.KindValidation, "sync.pause", "cannot pause an errored account")
	}
	slot.paused.Store(true)
	m.logger.WithField("account_id", accountID).Info("Account sync paused")
	return nil
}

// Resume re-enables cycles for a paused account.
func (m *Manager) Resume(accountID uuid.UUID) error {
	m.mu.RLock()
	slot, ok := m.engines[accountID]
	m.mu.RUnlock()
	if !ok {
		return mailerr.E(mailerr.KindNotFound, "sync.resume", "account not registered")
	}

	if !slot.paused.Load() {
		return mailerr.E(mailerr.KindValidation, "sync.resume", "account is not paused")
	}
	slot.paused.Store(false)
	m.logger.WithField("account_id", accountID).Info("Account sync resumed")
	return nil
}

// Status returns the sync status of one account.
func (m *Manager) Status(accountID uuid.UUID) (Status, error) {
	m.mu.RLock()
	slot, ok := m.engines[accountID]
	m.mu.RUnlock()
	if !ok {
		return StatusIdle, mailerr.E(mailerr.KindNotFound, "sync.status", "account not registered")
	}
	return slot.status(), nil
}

// AllStatuses returns the status of every registered account.
func (m *Manager) AllStatuses() map[uuid.UUID]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uuid.UUID]Status, len(m.engines))
	for id, slot := range m.engines {
		out[id] = slot.status()
	}
	return out
}

// LastResult returns the result of the account's most recent cycle, nil if
// it has never synced.
func (m *Manager) LastResult(accountID uuid.UUID) (*Result, error) {
	m.mu.RLock()
	slot, ok := m.engines[accountID]
	m.mu.RUnlock()
	if !ok {
		return nil, mailerr.E(mailerr.KindNotFound, "sync.last_result", "account not registered")
	}
	return slot.engine.LastResult(), nil
}

// GetStats returns a snapshot of the aggregate sync statistics.
func (m *Manager) GetStats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

func (m *Manager) recordResult(result *Result) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	m.stats.TotalSyncs++
	if result.Err != nil {
		m.stats.FailedSyncs++
	} else {
		m.stats.SuccessfulSyncs++
	}
	m.stats.TotalMessagesSynced += uint64(result.MessagesSynced)
	m.stats.LastSync = time.Now().UTC()
	m.totalDuration += result.Duration
	m.stats.AverageDuration = m.totalDuration / time.Duration(m.stats.TotalSyncs)
}

// updateAccountStatus mirrors the cycle outcome onto the stored account so
// clients can show online/auth_error/connection_error without asking the
// manager.
func (m *Manager) updateAccountStatus(accountID uuid.UUID, syncErr error) {
	account, err := m.storage.GetAccount(accountID)
	if err != nil {
		m.logger.WithField("account_id", accountID).WithError(err).Warn("Failed to load account for status update")
		return
	}

	switch {
	case syncErr == nil:
		account.Status = types.AccountOnline
		account.LastError = ""
	case mailerr.IsAuth(syncErr):
		account.Status = types.AccountAuthError
		account.LastError = syncErr.Error()
	default:
		account.Status = types.AccountConnectionError
		account.LastError = syncErr.Error()
	}
	account.UpdatedAt = time.Now().UTC()

	if err := m.storage.UpdateAccount(account); err != nil {
		m.logger.WithField("account_id", accountID).WithError(err).Warn("Failed to persist account status")
	}
}

// StartBackgroundSync launches the periodic sync loop. Returns an error if
// already running.
func (m *Manager) StartBackgroundSync(ctx context.Context) error {
	m.bgMu.Lock()
	defer m.bgMu.Unlock()

	if m.bgCancel != nil {
		return mailerr.E(mailerr.KindValidation, "sync.background", "background sync already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.bgCancel = cancel
	m.bgDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.SyncInterval)
		defer ticker.Stop()

		m.logger.WithField("interval", m.cfg.SyncInterval).Info("Background sync started")
		m.syncAll(ctx)
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("Background sync stopped")
				return
			case <-ticker.C:
				m.syncAll(ctx)
			}
		}
	}()
	return nil
}

// StopBackgroundSync stops the loop and waits for the in-flight pass to
// finish. Safe to call more than once.
func (m *Manager) StopBackgroundSync() {
	m.bgMu.Lock()
	cancel, done := m.bgCancel, m.bgDone
	m.bgCancel, m.bgDone = nil, nil
	m.bgMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// syncAll runs one pass over every registered, non-paused account. The
// semaphore inside SyncAccount bounds how many run at once. Cycles run on a
// context detached from the scheduler's cancellation: stopping the loop lets
// the in-flight pass finish instead of aborting it mid-fetch.
func (m *Manager) syncAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]uuid.UUID, 0, len(m.engines))
	for id, slot := range m.engines {
		if slot.paused.Load() {
			continue
		}
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	cycleCtx := context.WithoutCancel(ctx)

	var wg stdsync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			if _, err := m.SyncAccount(cycleCtx, id); err != nil {
				m.logger.WithField("account_id", id).WithError(err).Warn("Scheduled sync failed")
			}
		}(id)
	}
	wg.Wait()
}
