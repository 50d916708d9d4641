package sync

import (
	"context"
	"io"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asgard-mail/core/internal/config"
	"github.com/asgard-mail/core/internal/mailerr"
	"github.com/asgard-mail/core/pkg/types"
)

// memStore is an in-memory storage.Store used by the manager tests.
type memStore struct {
	mu        stdsync.Mutex
	accounts  map[uuid.UUID]*types.Account
	mailboxes map[uuid.UUID]*types.Mailbox
	messages  map[uuid.UUID]*types.Message
}

func newMemStore() *memStore {
	return &memStore{
		accounts:  make(map[uuid.UUID]*types.Account),
		mailboxes: make(map[uuid.UUID]*types.Mailbox),
		messages:  make(map[uuid.UUID]*types.Message),
	}
}

func (s *memStore) CreateAccount(account *types.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *account
	s.accounts[account.ID] = &cp
	return nil
}

func (s *memStore) GetAccount(id uuid.UUID) (*types.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, mailerr.E(mailerr.KindNotFound, "memstore.get_account", "no such account")
	}
	cp := *acc
	return &cp, nil
}

func (s *memStore) UpdateAccount(account *types.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.ID]; !ok {
		return mailerr.E(mailerr.KindNotFound, "memstore.update_account", "no such account")
	}
	cp := *account
	s.accounts[account.ID] = &cp
	return nil
}

func (s *memStore) DeleteAccount(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
	return nil
}

func (s *memStore) ListAccounts() ([]*types.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		cp := *acc
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) CreateMailbox(mailbox *types.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mb := range s.mailboxes {
		if mb.AccountID == mailbox.AccountID && mb.Name == mailbox.Name {
			mailbox.ID = mb.ID
			cp := *mailbox
			s.mailboxes[mb.ID] = &cp
			return nil
		}
	}
	cp := *mailbox
	s.mailboxes[mailbox.ID] = &cp
	return nil
}

func (s *memStore) GetMailbox(id uuid.UUID) (*types.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb, ok := s.mailboxes[id]
	if !ok {
		return nil, mailerr.E(mailerr.KindNotFound, "memstore.get_mailbox", "no such mailbox")
	}
	cp := *mb
	return &cp, nil
}

func (s *memStore) UpdateMailbox(mailbox *types.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *mailbox
	s.mailboxes[mailbox.ID] = &cp
	return nil
}

func (s *memStore) ListMailboxes(accountID uuid.UUID) ([]*types.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Mailbox
	for _, mb := range s.mailboxes {
		if mb.AccountID == accountID {
			cp := *mb
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) CreateMessage(message *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *message
	s.messages[message.ID] = &cp
	return nil
}

func (s *memStore) GetMessage(id uuid.UUID) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, mailerr.E(mailerr.KindNotFound, "memstore.get_message", "no such message")
	}
	cp := *msg
	return &cp, nil
}

func (s *memStore) GetMessageByMessageID(accountID uuid.UUID, messageID string) (*types.Message, error) {
	if messageID == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.AccountID == accountID && msg.Meta.MessageID == messageID {
			cp := *msg
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) GetMessageByUID(mailboxID uuid.UUID, uid string) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.MailboxID == mailboxID && msg.Meta.UID == uid {
			cp := *msg
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) UpdateMessage(message *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[message.ID]; !ok {
		return mailerr.E(mailerr.KindNotFound, "memstore.update_message", "no such message")
	}
	cp := *message
	s.messages[message.ID] = &cp
	return nil
}

func (s *memStore) ListMessages(accountID uuid.UUID, folder string) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Message
	for _, msg := range s.messages {
		if msg.AccountID == accountID && msg.Meta.Folder == folder {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out, nil
}

// fakeEngine is a scripted engine for manager tests. mailboxData maps folder
// name to scripted message metadata; fresh entities come back on every call,
// the way a real engine produces them.
type fakeEngine struct {
	engineState

	accountID   uuid.UUID
	mailboxData map[string][]types.MsgMeta

	connectErr   error
	connectDelay time.Duration

	// connectStarted/connectRelease let tests hold a cycle open at a known
	// point. Both are optional.
	connectStarted chan struct{}
	connectRelease chan struct{}

	connects    atomic.Int32
	disconnects atomic.Int32

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

var _ Engine = (*fakeEngine)(nil)

func (e *fakeEngine) AccountID() uuid.UUID { return e.accountID }

func (e *fakeEngine) Connect(ctx context.Context) error {
	cur := e.inFlight.Add(1)
	for {
		max := e.maxInFlight.Load()
		if cur <= max || e.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	if e.connectStarted != nil {
		select {
		case e.connectStarted <- struct{}{}:
		default:
		}
	}
	if e.connectRelease != nil {
		<-e.connectRelease
	}
	if e.connectDelay > 0 {
		time.Sleep(e.connectDelay)
	}
	e.connects.Add(1)
	return e.connectErr
}

func (e *fakeEngine) Disconnect(ctx context.Context) error {
	e.inFlight.Add(-1)
	e.disconnects.Add(1)
	return nil
}

func (e *fakeEngine) SyncMailboxes(ctx context.Context) ([]*types.Mailbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, mailerr.Wrap(mailerr.KindTimeout, "fake.sync_mailboxes", err)
	}
	out := make([]*types.Mailbox, 0, len(e.mailboxData))
	for name := range e.mailboxData {
		out = append(out, &types.Mailbox{
			ID:        uuid.New(),
			AccountID: e.accountID,
			Name:      name,
			Type:      mailboxTypeFor(name),
		})
	}
	return out, nil
}

func (e *fakeEngine) SyncMailboxMessages(ctx context.Context, mailbox *types.Mailbox) ([]*types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, mailerr.Wrap(mailerr.KindTimeout, "fake.sync_messages", err)
	}
	metas := e.mailboxData[mailbox.Name]
	out := make([]*types.Message, 0, len(metas))
	for _, meta := range metas {
		meta.Folder = mailbox.Name
		out = append(out, &types.Message{
			ID:        uuid.New(),
			AccountID: e.accountID,
			MailboxID: mailbox.ID,
			Meta:      meta,
			BodyText:  "body of " + meta.MessageID,
		})
	}
	return out, nil
}

func testConfig() *config.Config {
	return &config.Config{
		SyncInterval:       time.Minute,
		SyncTimeout:        30 * time.Second,
		MaxConcurrentSyncs: 3,
	}
}

func newTestManager(t *testing.T, engine *fakeEngine) (*Manager, *memStore, *types.Account) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := newMemStore()
	m := NewManager(testConfig(), store, nil, nil, nil, logger)
	m.newEngine = func(account *types.Account, cfg *config.Config, tokens TokenSource, l *logrus.Logger) (Engine, error) {
		return engine, nil
	}

	account := &types.Account{
		ID:    engine.accountID,
		Email: "user@example.com",
		Type:  types.AccountImapSmtp,
		Auth:  types.AuthPassword,
	}
	require.NoError(t, m.AddAccount(context.Background(), account))
	return m, store, account
}

func scriptedEngine() *fakeEngine {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return &fakeEngine{
		accountID: uuid.New(),
		mailboxData: map[string][]types.MsgMeta{
			"INBOX": {
				{UID: "1", MessageID: "<m1@x>", Subject: "One", Date: base},
				{UID: "2", MessageID: "<m2@x>", Subject: "Two", Date: base.Add(time.Minute)},
				{UID: "3", MessageID: "<m3@x>", Subject: "Three", Date: base.Add(2 * time.Minute)},
			},
			"Sent": {
				{UID: "1", MessageID: "<s1@x>", Subject: "Out", Date: base.Add(3 * time.Minute), IsOutgoing: true},
			},
		},
	}
}

func TestSyncAccountFirstCycleCreatesThenUpdates(t *testing.T) {
	engine := scriptedEngine()
	m, store, account := newTestManager(t, engine)
	ctx := context.Background()

	result, err := m.SyncAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, result.MessagesSynced)
	assert.Equal(t, 4, result.NewMessages)
	assert.Zero(t, result.UpdatedMessages)

	// The same server state again: everything matches by Message-ID.
	result, err = m.SyncAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, result.MessagesSynced)
	assert.Zero(t, result.NewMessages)
	assert.Equal(t, 4, result.UpdatedMessages)

	msgs, err := store.ListMessages(account.ID, "INBOX")
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	assert.Equal(t, int32(2), engine.connects.Load())
	assert.Equal(t, int32(2), engine.disconnects.Load())
}

func TestSyncUnknownAccountLeavesStatsUntouched(t *testing.T) {
	m, _, _ := newTestManager(t, scriptedEngine())

	_, err := m.SyncAccount(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, mailerr.IsNotFound(err))
	assert.Zero(t, m.GetStats().TotalSyncs)
}

func TestConcurrentSyncsSameAccountSerialize(t *testing.T) {
	engine := scriptedEngine()
	engine.connectDelay = 30 * time.Millisecond
	m, _, account := newTestManager(t, engine)

	var wg stdsync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.SyncAccount(context.Background(), account.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), engine.maxInFlight.Load())
	assert.Equal(t, uint64(3), m.GetStats().TotalSyncs)
}

func TestPauseAndResume(t *testing.T) {
	engine := scriptedEngine()
	m, _, account := newTestManager(t, engine)
	ctx := context.Background()

	require.NoError(t, m.Pause(account.ID))
	st, err := m.Status(account.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, st)

	// Pausing again is a no-op.
	require.NoError(t, m.Pause(account.ID))

	_, err = m.SyncAccount(ctx, account.ID)
	require.Error(t, err)
	assert.Zero(t, engine.connects.Load())

	require.NoError(t, m.Resume(account.ID))
	_, err = m.SyncAccount(ctx, account.ID)
	require.NoError(t, err)
}

func TestResumeRequiresPaused(t *testing.T) {
	m, _, account := newTestManager(t, scriptedEngine())
	err := m.Resume(account.ID)
	require.Error(t, err)
	assert.Equal(t, mailerr.KindValidation, mailerr.KindOf(err))
}

func TestPauseErroredAccountFails(t *testing.T) {
	engine := scriptedEngine()
	engine.connectErr = mailerr.E(mailerr.KindNetwork, "fake.connect", "down")
	m, _, account := newTestManager(t, engine)

	_, err := m.SyncAccount(context.Background(), account.ID)
	require.Error(t, err)

	st, err := m.Status(account.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, st)

	err = m.Pause(account.ID)
	require.Error(t, err)
	assert.Equal(t, mailerr.KindValidation, mailerr.KindOf(err))
}

func TestAccountStatusSurfacing(t *testing.T) {
	engine := scriptedEngine()
	m, store, account := newTestManager(t, engine)
	ctx := context.Background()

	_, err := m.SyncAccount(ctx, account.ID)
	require.NoError(t, err)
	acc, err := store.GetAccount(account.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AccountOnline, acc.Status)
	assert.Empty(t, acc.LastError)

	engine.connectErr = mailerr.E(mailerr.KindAuth, "fake.connect", "bad token")
	_, err = m.SyncAccount(ctx, account.ID)
	require.Error(t, err)
	acc, err = store.GetAccount(account.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AccountAuthError, acc.Status)
	assert.NotEmpty(t, acc.LastError)

	engine.connectErr = mailerr.E(mailerr.KindNetwork, "fake.connect", "refused")
	_, err = m.SyncAccount(ctx, account.ID)
	require.Error(t, err)
	acc, err = store.GetAccount(account.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AccountConnectionError, acc.Status)
}

func TestAddAccountTwiceFails(t *testing.T) {
	m, _, account := newTestManager(t, scriptedEngine())
	err := m.AddAccount(context.Background(), account)
	require.Error(t, err)
	assert.Equal(t, mailerr.KindValidation, mailerr.KindOf(err))
}

func TestRemoveAccount(t *testing.T) {
	engine := scriptedEngine()
	m, store, account := newTestManager(t, engine)
	ctx := context.Background()

	require.NoError(t, m.RemoveAccount(ctx, account.ID))
	_, err := m.SyncAccount(ctx, account.ID)
	assert.True(t, mailerr.IsNotFound(err))

	// Removal deletes the stored account too.
	_, err = store.GetAccount(account.ID)
	assert.True(t, mailerr.IsNotFound(err))

	err = m.RemoveAccount(ctx, account.ID)
	assert.True(t, mailerr.IsNotFound(err))
}

func TestRemoveAccountWaitsForRunningCycle(t *testing.T) {
	engine := scriptedEngine()
	engine.connectStarted = make(chan struct{}, 1)
	engine.connectRelease = make(chan struct{})
	m, _, account := newTestManager(t, engine)
	ctx := context.Background()

	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		_, err := m.SyncAccount(ctx, account.ID)
		assert.NoError(t, err)
	}()
	<-engine.connectStarted

	removeDone := make(chan struct{})
	go func() {
		defer close(removeDone)
		assert.NoError(t, m.RemoveAccount(ctx, account.ID))
	}()

	// Removal must not touch the session while the cycle is using it.
	select {
	case <-removeDone:
		t.Fatal("RemoveAccount finished while a cycle was running")
	case <-time.After(30 * time.Millisecond):
	}

	close(engine.connectRelease)
	<-syncDone
	<-removeDone
	assert.Equal(t, int32(2), engine.disconnects.Load())
}

func TestLastResultAndStats(t *testing.T) {
	engine := scriptedEngine()
	m, _, account := newTestManager(t, engine)
	ctx := context.Background()

	res, err := m.LastResult(account.ID)
	require.NoError(t, err)
	assert.Nil(t, res)

	_, err = m.SyncAccount(ctx, account.ID)
	require.NoError(t, err)

	res, err = m.LastResult(account.ID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 4, res.MessagesSynced)

	stats := m.GetStats()
	assert.Equal(t, uint64(1), stats.TotalSyncs)
	assert.Equal(t, uint64(1), stats.SuccessfulSyncs)
	assert.Equal(t, uint64(4), stats.TotalMessagesSynced)
	assert.False(t, stats.LastSync.IsZero())
}

func TestBackgroundSyncRunsAndStops(t *testing.T) {
	engine := scriptedEngine()
	m, _, _ := newTestManager(t, engine)
	m.cfg.SyncInterval = 20 * time.Millisecond

	require.NoError(t, m.StartBackgroundSync(context.Background()))
	assert.Error(t, m.StartBackgroundSync(context.Background()))

	assert.Eventually(t, func() bool {
		return engine.connects.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	m.StopBackgroundSync()
	m.StopBackgroundSync() // safe to call again

	after := engine.connects.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, engine.connects.Load())
}

func TestBackgroundSyncSkipsPaused(t *testing.T) {
	engine := scriptedEngine()
	m, _, account := newTestManager(t, engine)
	m.cfg.SyncInterval = 20 * time.Millisecond

	require.NoError(t, m.Pause(account.ID))
	require.NoError(t, m.StartBackgroundSync(context.Background()))
	time.Sleep(80 * time.Millisecond)
	m.StopBackgroundSync()

	assert.Zero(t, engine.connects.Load())
}

func TestStopBackgroundSyncLetsCycleFinish(t *testing.T) {
	engine := scriptedEngine()
	engine.connectStarted = make(chan struct{}, 1)
	engine.connectRelease = make(chan struct{})
	m, store, account := newTestManager(t, engine)
	m.cfg.SyncInterval = time.Hour // only the immediate pass runs

	require.NoError(t, m.StartBackgroundSync(context.Background()))
	<-engine.connectStarted

	stopDone := make(chan struct{})
	go func() {
		defer close(stopDone)
		m.StopBackgroundSync()
	}()

	// Let the stop signal land before the held cycle proceeds.
	time.Sleep(20 * time.Millisecond)
	close(engine.connectRelease)
	<-stopDone

	acc, err := store.GetAccount(account.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AccountOnline, acc.Status)

	stats := m.GetStats()
	assert.Equal(t, uint64(1), stats.SuccessfulSyncs)
	assert.Zero(t, stats.FailedSyncs)
}

func TestCycleMayOutlastSyncTimeout(t *testing.T) {
	engine := scriptedEngine()
	engine.connectDelay = 50 * time.Millisecond
	m, _, account := newTestManager(t, engine)
	m.cfg.SyncTimeout = 10 * time.Millisecond

	result, err := m.SyncAccount(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, result.MessagesSynced)
}

func TestPauseDuringRunningCycleSticks(t *testing.T) {
	engine := scriptedEngine()
	engine.connectStarted = make(chan struct{}, 1)
	engine.connectRelease = make(chan struct{})
	m, _, account := newTestManager(t, engine)
	ctx := context.Background()

	syncDone := make(chan error, 1)
	go func() {
		_, err := m.SyncAccount(ctx, account.ID)
		syncDone <- err
	}()
	<-engine.connectStarted

	st, err := m.Status(account.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st)

	require.NoError(t, m.Pause(account.ID))
	close(engine.connectRelease)
	require.NoError(t, <-syncDone)

	// The finished cycle must not clear the pause.
	st, err = m.Status(account.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, st)

	_, err = m.SyncAccount(ctx, account.ID)
	require.Error(t, err)
	assert.Equal(t, mailerr.KindValidation, mailerr.KindOf(err))
}

func TestNewEngineRouting(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := testConfig()

	imapAcc := &types.Account{ID: uuid.New(), Type: types.AccountImapSmtp}
	gmailAcc := &types.Account{ID: uuid.New(), Type: types.AccountGmail}
	popAcc := &types.Account{ID: uuid.New(), Type: types.AccountPop3}

	e, err := NewEngine(imapAcc, cfg, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &IMAPEngine{}, e)

	e, err = NewEngine(gmailAcc, cfg, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &IMAPEngine{}, e)

	e, err = NewEngine(popAcc, cfg, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &POP3Engine{}, e)

	_, err = NewEngine(&types.Account{Type: "carrier-pigeon"}, cfg, nil, logger)
	require.Error(t, err)
}
