package services

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fortexa/loginguard/internal/config"
	"github.com/fortexa/loginguard/internal/geo"
	"github.com/fortexa/loginguard/internal/models"
	"github.com/fortexa/loginguard/internal/ratestore"
	pkglogger "github.com/fortexa/loginguard/pkg/logger"
	"github.com/google/uuid"
)

// discardLogger drops everything; tests assert on state, not log lines.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FakeTransactor runs fn in place. Err short-circuits every call.
type FakeTransactor struct {
	Calls int
	Err   error
}

func (f *FakeTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.Calls++
	if f.Err != nil {
		return f.Err
	}
	return fn(ctx)
}

// MemoryIPStore implements IPAddressStore. Records are copied in and out so
// unsaved changes are lost, as they would be with a database.
type MemoryIPStore struct {
	mu      sync.Mutex
	records map[string]models.IPAddressRecord
	Err     error
}

func NewMemoryIPStore() *MemoryIPStore {
	return &MemoryIPStore{records: make(map[string]models.IPAddressRecord)}
}

func (m *MemoryIPStore) Put(rec *models.IPAddressRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.IPAddress] = *rec
}

func (m *MemoryIPStore) Get(_ context.Context, ip string) (*models.IPAddressRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[ip]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryIPStore) GetOrCreate(_ context.Context, ip string, now time.Time, _ bool) (*models.IPAddressRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	rec, ok := m.records[ip]
	if !ok {
		rec = *models.NewIPAddressRecord(ip, now)
		m.records[ip] = rec
	}
	return &rec, nil
}

func (m *MemoryIPStore) Save(_ context.Context, rec *models.IPAddressRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.IPAddress] = *rec
	return nil
}

func (m *MemoryIPStore) ListFlagged(_ context.Context, limit, offset int) ([]*models.IPAddressRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.IPAddressRecord, 0)
	for _, rec := range m.records {
		if rec.IsBlacklisted || rec.Reputation == models.ReputationSuspicious || rec.Reputation == models.ReputationMalicious {
			r := rec
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IPAddress < out[j].IPAddress })
	return page(out, limit, offset), nil
}

// MemoryUserStore implements UserSecurityStore and AuthUserStore.
type MemoryUserStore struct {
	mu      sync.Mutex
	users   map[string]models.User
	states  map[string]models.UserSecurityState
	Rotated map[string]int
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		users:   make(map[string]models.User),
		states:  make(map[string]models.UserSecurityState),
		Rotated: make(map[string]int),
	}
}

// AddUser registers an ACTIVE account and returns its id.
func (m *MemoryUserStore) AddUser(u models.User) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.Status == "" {
		u.Status = "active"
	}
	m.users[u.ID] = u
	m.states[u.ID] = models.UserSecurityState{UserID: u.ID, Email: u.Email, State: models.AccountStateActive}
	return u.ID
}

func (m *MemoryUserStore) State(userID string) models.UserSecurityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[userID]
}

func (m *MemoryUserStore) SetState(st models.UserSecurityState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.UserID] = st
}

func (m *MemoryUserStore) GetByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			user := u
			return &user, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MemoryUserStore) GetByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &u, nil
}

func (m *MemoryUserStore) Create(_ context.Context, u *models.User) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return nil, models.ErrConflict
		}
	}
	u.ID = uuid.New().String()
	u.CreatedAt, u.UpdatedAt = time.Now(), time.Now()
	m.users[u.ID] = *u
	m.states[u.ID] = models.UserSecurityState{UserID: u.ID, Email: u.Email, State: models.AccountStateActive}
	return u, nil
}

func (m *MemoryUserStore) GetSecurityState(_ context.Context, userID string, _ bool) (*models.UserSecurityState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &st, nil
}

func (m *MemoryUserStore) SaveSecurityState(_ context.Context, st *models.UserSecurityState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[st.UserID]; !ok {
		return models.ErrNotFound
	}
	m.states[st.UserID] = *st
	return nil
}

func (m *MemoryUserStore) RotateTokenKey(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rotated[userID]++
	if u, ok := m.users[userID]; ok {
		u.TokenKey = uuid.New().String()
		m.users[userID] = u
	}
	return nil
}

func (m *MemoryUserStore) ListLocked(_ context.Context, now time.Time, limit, offset int) ([]*models.UserSecurityState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.UserSecurityState, 0)
	for _, st := range m.states {
		if st.IsLocked(now) {
			s := st
			out = append(out, &s)
		}
	}
	return page(out, limit, offset), nil
}

func (m *MemoryUserStore) CountLocked(ctx context.Context, now time.Time) (int, error) {
	locked, _ := m.ListLocked(ctx, now, 0, 0)
	return len(locked), nil
}

// MemoryDeviceStore implements TrustedDeviceStore.
type MemoryDeviceStore struct {
	mu      sync.Mutex
	devices []*models.TrustedDevice
	Err     error
}

func NewMemoryDeviceStore() *MemoryDeviceStore {
	return &MemoryDeviceStore{}
}

func (m *MemoryDeviceStore) Status(_ context.Context, userID, fingerprint string, now time.Time) (models.DeviceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return models.DeviceStatus{}, m.Err
	}
	var st models.DeviceStatus
	for _, d := range m.devices {
		if d.UserID != userID {
			continue
		}
		if d.IsTrusted(now) {
			st.HasTrustedDevices = true
		}
		if d.Fingerprint == fingerprint {
			st.Known = true
			st.DeviceID = d.ID
			st.Trusted = d.IsTrusted(now)
		}
	}
	return st, nil
}

func (m *MemoryDeviceStore) Trust(_ context.Context, d *models.TrustedDevice) (*models.TrustedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.devices {
		if existing.UserID == d.UserID && existing.Fingerprint == d.Fingerprint {
			existing.TrustedUntil = d.TrustedUntil
			existing.LastUsedAt = d.LastUsedAt
			existing.RevokedAt = nil
			return existing, nil
		}
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.CreatedAt = d.LastUsedAt
	m.devices = append(m.devices, d)
	return d, nil
}

func (m *MemoryDeviceStore) Touch(_ context.Context, userID, fingerprint, ip string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.UserID == userID && d.Fingerprint == fingerprint {
			d.LastUsedAt = now
			d.IPAddress = ip
		}
	}
	return nil
}

func (m *MemoryDeviceStore) ListByUser(_ context.Context, userID string) ([]*models.TrustedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.TrustedDevice, 0)
	for _, d := range m.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MemoryDeviceStore) Revoke(_ context.Context, userID, deviceID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.UserID == userID && d.ID == deviceID && d.RevokedAt == nil {
			d.RevokedAt = &now
			return nil
		}
	}
	return models.ErrNotFound
}

func (m *MemoryDeviceStore) RevokeAll(_ context.Context, userID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, d := range m.devices {
		if d.UserID == userID && d.RevokedAt == nil {
			d.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

// MemoryRuleStore implements SecurityRuleStore.
type MemoryRuleStore struct {
	mu    sync.Mutex
	rules map[string]*models.SecurityRule
	clock time.Time
}

func NewMemoryRuleStore(rules ...*models.SecurityRule) *MemoryRuleStore {
	m := &MemoryRuleStore{rules: make(map[string]*models.SecurityRule), clock: time.Now()}
	for _, r := range rules {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = m.tick()
		}
		m.rules[r.ID] = r
	}
	return m
}

// tick returns strictly increasing timestamps so every edit changes the version.
func (m *MemoryRuleStore) tick() time.Time {
	m.clock = m.clock.Add(time.Millisecond)
	return m.clock
}

func (m *MemoryRuleStore) Triggered(id string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rules[id]; ok {
		return r.TriggeredCount
	}
	return 0
}

func (m *MemoryRuleStore) ListAll(_ context.Context) ([]*models.SecurityRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.SecurityRule, 0, len(m.rules))
	for _, r := range m.rules {
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryRuleStore) GetByID(_ context.Context, id string) (*models.SecurityRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (m *MemoryRuleStore) Create(_ context.Context, rule *models.SecurityRule) (*models.SecurityRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.Name == rule.Name {
			return nil, models.ErrConflict
		}
	}
	c := *rule
	c.ID = uuid.New().String()
	c.CreatedAt = m.tick()
	c.UpdatedAt = c.CreatedAt
	m.rules[c.ID] = &c
	out := c
	return &out, nil
}

func (m *MemoryRuleStore) Update(_ context.Context, rule *models.SecurityRule) (*models.SecurityRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[rule.ID]; !ok {
		return nil, models.ErrNotFound
	}
	c := *rule
	c.UpdatedAt = m.tick()
	m.rules[c.ID] = &c
	out := c
	return &out, nil
}

func (m *MemoryRuleStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return models.ErrNotFound
	}
	delete(m.rules, id)
	m.tick()
	return nil
}

func (m *MemoryRuleStore) IncrementTriggered(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return models.ErrNotFound
	}
	r.TriggeredCount++
	return nil
}

func (m *MemoryRuleStore) Version(_ context.Context) (time.Time, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock, len(m.rules), nil
}

// MemoryAttemptStore implements LoginHistoryStore and AdminAttemptStore.
type MemoryAttemptStore struct {
	mu       sync.Mutex
	attempts []*models.LoginAttempt
	Err      error
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{}
}

func (m *MemoryAttemptStore) All() []*models.LoginAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.LoginAttempt(nil), m.attempts...)
}

func (m *MemoryAttemptStore) Record(_ context.Context, a *models.LoginAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	c := *a
	m.attempts = append(m.attempts, &c)
	return nil
}

func (m *MemoryAttemptStore) CountRecentFailures(_ context.Context, email string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	n := 0
	for _, a := range m.attempts {
		if a.Email == email && !a.Success && a.FailureReason != nil &&
			*a.FailureReason == models.FailureInvalidCredentials && !a.AttemptTime.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryAttemptStore) RecentSuccesses(_ context.Context, userID string, since time.Time, limit int) ([]*models.LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]*models.LoginAttempt, 0)
	for i := len(m.attempts) - 1; i >= 0; i-- {
		a := m.attempts[i]
		if a.Success && a.UserID != nil && *a.UserID == userID && !a.AttemptTime.Before(since) {
			out = append(out, a)
		}
	}
	return page(out, limit, 0), nil
}

func (m *MemoryAttemptStore) List(_ context.Context, f models.LoginAttemptFilter) ([]*models.LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.LoginAttempt, 0)
	for i := len(m.attempts) - 1; i >= 0; i-- {
		a := m.attempts[i]
		if f.Email != "" && a.Email != f.Email {
			continue
		}
		if f.IPAddress != "" && a.IPAddress != f.IPAddress {
			continue
		}
		if f.OnlyBlocked && !a.IsBlocked {
			continue
		}
		if f.Since != nil && a.AttemptTime.Before(*f.Since) {
			continue
		}
		out = append(out, a)
	}
	return page(out, f.Limit, f.Offset), nil
}

func (m *MemoryAttemptStore) DistinctEmailsByIP(_ context.Context, ip string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	for _, a := range m.attempts {
		if a.IPAddress == ip && !a.AttemptTime.Before(since) {
			seen[a.Email] = true
		}
	}
	return len(seen), nil
}

func (m *MemoryAttemptStore) StatsSince(_ context.Context, since time.Time) (models.AttemptStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s models.AttemptStats
	for _, a := range m.attempts {
		if a.AttemptTime.Before(since) {
			continue
		}
		s.Total++
		if !a.Success {
			s.Failed++
		}
		if a.IsBlocked {
			s.Blocked++
		}
		if a.IsSuspicious {
			s.Suspicious++
		}
	}
	return s, nil
}

// MemoryEventStore implements EventStore and AdminEventStore.
type MemoryEventStore struct {
	mu     sync.Mutex
	events []*models.SecurityEvent
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

func (m *MemoryEventStore) Create(_ context.Context, e *models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// OfType returns stored events of the given type, oldest first.
func (m *MemoryEventStore) OfType(eventType string) []*models.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.SecurityEvent, 0)
	for _, e := range m.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (m *MemoryEventStore) List(_ context.Context, f models.SecurityEventFilter) ([]*models.SecurityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.SecurityEvent, 0)
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if f.Severity != "" && e.Severity != f.Severity {
			continue
		}
		if f.Resolved != nil && e.Resolved != *f.Resolved {
			continue
		}
		out = append(out, e)
	}
	return page(out, f.Limit, f.Offset), nil
}

func (m *MemoryEventStore) Resolve(_ context.Context, id, resolvedBy string, at time.Time) (*models.SecurityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID != id {
			continue
		}
		if e.Resolved {
			return nil, models.ErrConflict
		}
		e.Resolved = true
		e.ResolvedAt = &at
		e.ResolvedBy = &resolvedBy
		return e, nil
	}
	return nil, models.ErrNotFound
}

func (m *MemoryEventStore) CountBySeverity(_ context.Context, since time.Time) (map[models.Severity]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.Severity]int)
	for _, e := range m.events {
		if !e.CreatedAt.Before(since) {
			out[e.Severity]++
		}
	}
	return out, nil
}

// MemoryChallengeStore implements ChallengeStore.
type MemoryChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]models.MFAChallenge
}

func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{challenges: make(map[string]models.MFAChallenge)}
}

func (m *MemoryChallengeStore) Create(_ context.Context, c *models.MFAChallenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	m.challenges[c.ID] = *c
	return nil
}

func (m *MemoryChallengeStore) Get(_ context.Context, id string, _ bool) (*models.MFAChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[id]
	if !ok {
		return nil, models.ErrChallengeNotFound
	}
	return &c, nil
}

func (m *MemoryChallengeStore) Save(_ context.Context, c *models.MFAChallenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenges[c.ID] = *c
	return nil
}

func (m *MemoryChallengeStore) SupersedePending(_ context.Context, userID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.challenges {
		if c.UserID == userID && c.Status == models.ChallengePending {
			c.Status = models.ChallengeExpired
			c.ResolvedAt = &now
			m.challenges[id] = c
		}
	}
	return nil
}

func (m *MemoryChallengeStore) ExpireDue(_ context.Context, now time.Time, limit int) ([]*models.MFAChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.MFAChallenge, 0)
	for id, c := range m.challenges {
		if len(out) == limit {
			break
		}
		if c.Status == models.ChallengePending && !now.Before(c.ExpiresAt) {
			c.Status = models.ChallengeExpired
			c.ResolvedAt = &now
			m.challenges[id] = c
			cc := c
			out = append(out, &cc)
		}
	}
	return out, nil
}

// MockMFADeviceRepository implements MFADeviceStore for testing
type MockMFADeviceRepository struct {
	CreateFunc           func(ctx context.Context, d *models.MFADevice) error
	GetForUserFunc       func(ctx context.Context, userID, deviceID string) (*models.MFADevice, error)
	GetPrimaryFunc       func(ctx context.Context, userID string, forUpdate bool) (*models.MFADevice, error)
	HasVerifiedFunc      func(ctx context.Context, userID string) (bool, error)
	MarkVerifiedFunc     func(ctx context.Context, deviceID string, at time.Time) error
	UpdateLastUsedAtFunc func(ctx context.Context, deviceID string, at time.Time) error
	DeleteFunc           func(ctx context.Context, userID, deviceID string) error
}

func (m *MockMFADeviceRepository) Create(ctx context.Context, d *models.MFADevice) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, d)
	}
	d.ID = uuid.New().String()
	return nil
}

func (m *MockMFADeviceRepository) GetForUser(ctx context.Context, userID, deviceID string) (*models.MFADevice, error) {
	if m.GetForUserFunc != nil {
		return m.GetForUserFunc(ctx, userID, deviceID)
	}
	return nil, models.ErrMFADeviceNotFound
}

func (m *MockMFADeviceRepository) GetPrimary(ctx context.Context, userID string, forUpdate bool) (*models.MFADevice, error) {
	if m.GetPrimaryFunc != nil {
		return m.GetPrimaryFunc(ctx, userID, forUpdate)
	}
	return nil, models.ErrMFADeviceNotFound
}

func (m *MockMFADeviceRepository) HasVerified(ctx context.Context, userID string) (bool, error) {
	if m.HasVerifiedFunc != nil {
		return m.HasVerifiedFunc(ctx, userID)
	}
	return false, nil
}

func (m *MockMFADeviceRepository) MarkVerified(ctx context.Context, deviceID string, at time.Time) error {
	if m.MarkVerifiedFunc != nil {
		return m.MarkVerifiedFunc(ctx, deviceID, at)
	}
	return nil
}

func (m *MockMFADeviceRepository) UpdateLastUsedAt(ctx context.Context, deviceID string, at time.Time) error {
	if m.UpdateLastUsedAtFunc != nil {
		return m.UpdateLastUsedAtFunc(ctx, deviceID, at)
	}
	return nil
}

func (m *MockMFADeviceRepository) Delete(ctx context.Context, userID, deviceID string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, userID, deviceID)
	}
	return nil
}

// MockEmailService implements EmailService and keeps the last code sent per address.
type MockEmailService struct {
	mu                    sync.Mutex
	Codes                 map[string]string
	Alerts                []string
	SendVerificationErr   error
	SendSecurityAlertFunc func(ctx context.Context, to string, event *models.SecurityEvent) error
}

func NewMockEmailService() *MockEmailService {
	return &MockEmailService{Codes: make(map[string]string)}
}

func (m *MockEmailService) SendVerificationCode(_ context.Context, email, code string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendVerificationErr != nil {
		return m.SendVerificationErr
	}
	m.Codes[email] = code
	return nil
}

func (m *MockEmailService) SendSecurityAlert(ctx context.Context, to string, event *models.SecurityEvent) error {
	m.mu.Lock()
	m.Alerts = append(m.Alerts, to+":"+event.EventType)
	m.mu.Unlock()
	if m.SendSecurityAlertFunc != nil {
		return m.SendSecurityAlertFunc(ctx, to, event)
	}
	return nil
}

func (m *MockEmailService) Code(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Codes[email]
}

// MockIntelLookup implements IntelLookup
type MockIntelLookup struct {
	LookupFunc  func(ctx context.Context, ip string) (*geo.Intel, error)
	Invalidated []string
}

func (m *MockIntelLookup) Lookup(ctx context.Context, ip string) (*geo.Intel, error) {
	if m.LookupFunc != nil {
		return m.LookupFunc(ctx, ip)
	}
	return nil, nil
}

func (m *MockIntelLookup) Invalidate(_ context.Context, ip string) error {
	m.Invalidated = append(m.Invalidated, ip)
	return nil
}

// RecordingNotifier implements EventNotifier by remembering what it was handed.
type RecordingNotifier struct {
	mu     sync.Mutex
	Events []*models.SecurityEvent
}

func (n *RecordingNotifier) Notify(e *models.SecurityEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Events = append(n.Events, e)
}

func (n *RecordingNotifier) Types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.Events))
	for _, e := range n.Events {
		out = append(out, e.EventType)
	}
	return out
}

// MemorySessionStore implements SessionStore.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions []*models.Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{}
}

func (m *MemorySessionStore) Create(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = uuid.New().String()
	cp := *s
	m.sessions = append(m.sessions, &cp)
	return nil
}

func (m *MemorySessionStore) find(userID, sessionID string) *models.Session {
	for _, s := range m.sessions {
		if s.ID == sessionID && s.UserID == userID {
			return s
		}
	}
	return nil
}

func (m *MemorySessionStore) Extend(_ context.Context, userID, sessionID string, now, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.find(userID, sessionID)
	if s == nil || !s.Active(now) {
		return models.ErrNotFound
	}
	s.LastRefreshedAt = now
	s.ExpiresAt = expiresAt
	return nil
}

func (m *MemorySessionStore) End(_ context.Context, userID, sessionID, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.find(userID, sessionID); s != nil && s.EndedAt == nil {
		s.EndedAt, s.EndReason = &now, &reason
	}
	return nil
}

func (m *MemorySessionStore) EndAll(_ context.Context, userID, reason string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.UserID == userID && s.EndedAt == nil {
			s.EndedAt, s.EndReason = &now, &reason
			n++
		}
	}
	return n, nil
}

func (m *MemorySessionStore) CountActive(_ context.Context, userID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID && s.Active(now) {
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the session, or nil.
func (m *MemorySessionStore) Get(id string) *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == id {
			cp := *s
			return &cp
		}
	}
	return nil
}

// MockSessionRevocations implements SessionRevocationStore
type MockSessionRevocations struct {
	Reasons []string
}

func (m *MockSessionRevocations) RecordSessionRevocation(_ context.Context, _ string, reason string, _ time.Time, _ time.Duration) error {
	m.Reasons = append(m.Reasons, reason)
	return nil
}

// testSecurityConfig is the default configuration with small limits that
// tests can hit quickly.
func testSecurityConfig() config.SecurityConfig {
	cfg := config.DefaultSecurity()
	cfg.RateLimit.IPLogin = config.LimitPolicy{MaxAttempts: 5, Window: 15 * time.Minute}
	cfg.RateLimit.UserLogin = config.LimitPolicy{MaxAttempts: 50, Window: 15 * time.Minute}
	return cfg
}

// guardFixture wires a LoginGuardService over in-memory stores.
type guardFixture struct {
	cfg        config.SecurityConfig
	tx         *FakeTransactor
	ips        *MemoryIPStore
	users      *MemoryUserStore
	devices    *MemoryDeviceStore
	rules      *MemoryRuleStore
	attempts   *MemoryAttemptStore
	events     *MemoryEventStore
	challenges *MemoryChallengeStore
	mfaDevices *MockMFADeviceRepository
	intel      *MockIntelLookup
	email      *MockEmailService
	notifier   *RecordingNotifier
	windows    *ratestore.MemoryStore
	sessions   *MemorySessionStore

	limiter    *RateLimitService
	reputation *IPReputationService
	deviceSvc  *DeviceService
	sessionSvc *SessionService
	engine     *RuleEngine
	accounts   *AccountLockService
	challenge  *MFAChallengeService
	recorder   *EventRecorder
	guard      *LoginGuardService
}

func newGuardFixture(cfg config.SecurityConfig, rules ...*models.SecurityRule) *guardFixture {
	logger := discardLogger()
	f := &guardFixture{
		cfg:        cfg,
		tx:         &FakeTransactor{},
		ips:        NewMemoryIPStore(),
		users:      NewMemoryUserStore(),
		devices:    NewMemoryDeviceStore(),
		rules:      NewMemoryRuleStore(rules...),
		attempts:   NewMemoryAttemptStore(),
		events:     NewMemoryEventStore(),
		challenges: NewMemoryChallengeStore(),
		mfaDevices: &MockMFADeviceRepository{},
		intel:      &MockIntelLookup{},
		email:      NewMockEmailService(),
		notifier:   &RecordingNotifier{},
		windows:    ratestore.NewMemoryStore(),
		sessions:   NewMemorySessionStore(),
	}

	f.recorder = NewEventRecorder(f.events, f.notifier, nil)
	f.limiter = NewRateLimitService(f.windows, cfg.RateLimit, nil, logger)
	f.reputation = NewIPReputationService(f.ips, f.intel, cfg.Reputation, logger)
	f.deviceSvc = NewDeviceService(f.devices, cfg.Challenge.TrustedDeviceTTL)
	f.sessionSvc = NewSessionService(f.sessions, 24*time.Hour, logger)
	f.engine = NewRuleEngine(f.rules, f.recorder, nil, logger)
	if err := f.engine.Reload(context.Background()); err != nil {
		panic(err)
	}
	f.accounts = NewAccountLockService(f.users, &MockSessionRevocations{}, cfg.Lockout, time.Hour, nil, logger)
	f.accounts.SetSessions(f.sessionSvc)
	f.challenge = NewMFAChallengeService(f.challenges, f.mfaDevices, nil, f.accounts, f.deviceSvc,
		f.reputation, f.attempts, f.recorder, f.email, f.tx, cfg.Challenge, cfg.Pipeline.AttemptRetention, nil, logger)
	f.guard = NewLoginGuardService(LoginGuardDeps{
		Tx:         f.tx,
		Limiter:    f.limiter,
		IPs:        f.reputation,
		Devices:    f.deviceSvc,
		Evaluator:  NewRiskEvaluator(cfg.Risk),
		Rules:      f.engine,
		Accounts:   f.accounts,
		Challenges: f.challenge,
		History:    f.attempts,
		Sessions:   f.sessionSvc,
		Events:     f.recorder,
		Audit:      pkglogger.NewAuditLogger(logger),
	}, cfg, logger)
	return f
}

const testBrowserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
