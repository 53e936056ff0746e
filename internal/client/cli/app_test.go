package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/crdtsign/internal/client/config"
	"github.com/dmitrijs2005/crdtsign/internal/client/models"
	"github.com/dmitrijs2005/crdtsign/internal/client/services"
	"github.com/dmitrijs2005/crdtsign/internal/common"
	"github.com/dmitrijs2005/crdtsign/internal/logging"
	"github.com/dmitrijs2005/crdtsign/internal/retention"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ------------ fake service ------------

type fakeSvc struct {
	services.SignatureService

	mu sync.Mutex

	profile    *models.Profile
	records    []models.SignatureRecord
	users      []models.UserRecord
	validation services.Validation
	policy     retention.Policy

	signPath string
	signExp  *time.Time
	regName  string
	regPass  string
	removed  string

	verifyPath, verifyKey string
	verifyOK              bool

	connectErr  error
	connects    int
	connected   bool
	flushed     bool
	persisted   bool
	closed      bool
	removeErr   error
	validateErr error
}

func (f *fakeSvc) Profile() (models.Profile, bool) {
	if f.profile == nil {
		return models.Profile{}, false
	}
	return *f.profile, true
}

func (f *fakeSvc) RegisterUser(_ context.Context, name string, pass []byte) (models.Profile, error) {
	f.regName, f.regPass = name, string(pass)
	p := models.Profile{UserID: "user_abc", Username: name}
	f.profile = &p
	return p, nil
}

func (f *fakeSvc) GetPublicKey(id string) (string, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u.PublicKey, nil
		}
	}
	return "", common.ErrNotFound
}

func (f *fakeSvc) VerifyFile(path, _, key string) (bool, error) {
	f.verifyPath, f.verifyKey = path, key
	return f.verifyOK, nil
}

func (f *fakeSvc) SignFile(_ context.Context, path string, exp *time.Time) (models.SignatureRecord, error) {
	f.signPath, f.signExp = path, exp
	return models.SignatureRecord{ID: "id-1", FileName: "report.pdf", Signature: "beef"}, nil
}

func (f *fakeSvc) ListRecords() []models.SignatureRecord { return f.records }

func (f *fakeSvc) GetRecord(id string) (models.SignatureRecord, error) {
	for _, r := range f.records {
		if r.ID == id {
			return r, nil
		}
	}
	return models.SignatureRecord{}, common.ErrNotFound
}

func (f *fakeSvc) ListUsers() []models.UserRecord { return f.users }

func (f *fakeSvc) ValidateRecord(string) (services.Validation, error) {
	return f.validation, f.validateErr
}

func (f *fakeSvc) RemoveRecord(_ context.Context, id string) error {
	f.removed = id
	return f.removeErr
}

func (f *fakeSvc) Policy() retention.Policy { return f.policy }

func (f *fakeSvc) EvaluateRetention(r models.SignatureRecord, p retention.Policy, now time.Time) retention.Result {
	return p.Evaluate(r.SignedOn, r.ExpirationDate, now)
}

func (f *fakeSvc) Connect(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeSvc) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSvc) Synced() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (f *fakeSvc) Flush(context.Context) error {
	f.flushed = true
	return nil
}

func (f *fakeSvc) Persist(context.Context) error {
	f.persisted = true
	return nil
}

func (f *fakeSvc) Close(context.Context) error {
	f.closed = true
	return nil
}

// ------------ helpers ------------

func newTestApp(svc *fakeSvc, input string) (*App, *bytes.Buffer) {
	c := &config.Config{}
	c.LoadDefaults()
	c.ConnectTimeout = time.Second
	var out bytes.Buffer
	a := NewApp(c, svc, strings.NewReader(input), &out, logging.Nop{})
	a.nowFunc = func() time.Time { return time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC) }
	return a, &out
}

func stubPassphrase(t *testing.T, pw string) {
	t.Helper()
	orig := readPassword
	readPassword = func(int) ([]byte, error) { return []byte(pw), nil }
	t.Cleanup(func() { readPassword = orig })
}

// ------------ tests ------------

func TestSetMode_ChangesAndReportsOnce(t *testing.T) {
	a, out := newTestApp(&fakeSvc{}, "")

	a.setMode(ModeOnline)
	assert.Equal(t, ModeOnline, a.Mode)
	assert.Contains(t, out.String(), "online")

	out.Reset()
	a.setMode(ModeOnline)
	assert.Empty(t, out.String())

	a.setMode(ModeOffline)
	assert.Contains(t, out.String(), "offline")
}

func TestGetStatus(t *testing.T) {
	svc := &fakeSvc{}
	a, _ := newTestApp(svc, "")
	assert.Equal(t, "(offline)", a.getStatus())

	svc.profile = &models.Profile{Username: "alice"}
	a.setMode(ModeOnline)
	assert.Equal(t, "(alice online)", a.getStatus())
	assert.True(t, a.isRegistered())
}

func TestRegister_PromptsForNameAndPassphrase(t *testing.T) {
	stubPassphrase(t, "pw")
	svc := &fakeSvc{}
	a, out := newTestApp(svc, "alice\n")

	require.NoError(t, a.Register(context.Background(), nil))
	assert.Equal(t, "alice", svc.regName)
	assert.Equal(t, "pw", svc.regPass)
	assert.Contains(t, out.String(), "Registered alice as user_abc")
}

func TestSign_ArgsAndPrompts(t *testing.T) {
	svc := &fakeSvc{}

	a, out := newTestApp(svc, "")
	require.NoError(t, a.Sign(context.Background(), []string{"./report.pdf", "2025-06-30", "14:05"}))
	assert.Equal(t, "./report.pdf", svc.signPath)
	require.NotNil(t, svc.signExp)
	assert.True(t, svc.signExp.Equal(time.Date(2025, 6, 30, 14, 5, 0, 0, time.Local)))
	assert.Contains(t, out.String(), "ID:        id-1")

	a, _ = newTestApp(svc, "./other.txt\n\n")
	require.NoError(t, a.Sign(context.Background(), nil))
	assert.Equal(t, "./other.txt", svc.signPath)
	assert.Nil(t, svc.signExp)

	a, _ = newTestApp(svc, "")
	assert.Error(t, a.Sign(context.Background(), []string{"x", "someday"}))
}

func TestList_RendersTable(t *testing.T) {
	signed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	exp := signed.Add(48 * time.Hour)
	svc := &fakeSvc{
		policy: retention.Policy{PeriodDays: 30},
		records: []models.SignatureRecord{
			{ID: "r1", FileName: "a.txt", UserID: "user_1", Username: "alice", SignedOn: signed, ExpirationDate: &exp},
			{ID: "r2", FileName: "b.txt", UserID: "user_2", SignedOn: signed},
		},
	}
	a, out := newTestApp(svc, "")

	require.NoError(t, a.List(context.Background(), nil))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "alice")
	assert.Contains(t, lines[1], "ago")
	assert.Contains(t, lines[2], "user_2")
	assert.Contains(t, lines[2], "(retention)")
}

func TestList_Empty(t *testing.T) {
	a, out := newTestApp(&fakeSvc{}, "")
	require.NoError(t, a.List(context.Background(), nil))
	assert.Equal(t, "No signatures.\n", out.String())
}

func TestShowValidateDelete(t *testing.T) {
	svc := &fakeSvc{
		records:    []models.SignatureRecord{{ID: "r1", FileName: "a.txt", FileHash: "ab", UserID: "user_1"}},
		validation: services.Validation{Valid: false, Message: "Signature expired on January 2, 2025 (00:00:00)"},
	}
	a, out := newTestApp(svc, "")
	ctx := context.Background()

	require.NoError(t, a.Show(ctx, []string{"r1"}))
	assert.Contains(t, out.String(), "File:       a.txt")
	assert.ErrorIs(t, a.Show(ctx, []string{"nope"}), common.ErrNotFound)

	out.Reset()
	require.NoError(t, a.Validate(ctx, []string{"r1"}))
	assert.Equal(t, "INVALID: Signature expired on January 2, 2025 (00:00:00)\n", out.String())

	require.NoError(t, a.Delete(ctx, []string{"r1"}))
	assert.Equal(t, "r1", svc.removed)

	svc.removeErr = common.ErrNotFound
	assert.ErrorIs(t, a.Delete(ctx, []string{"r2"}), common.ErrNotFound)
}

func TestVerify_ResolvesUserIDAndPrompts(t *testing.T) {
	pub := strings.Repeat("ab", 32)
	svc := &fakeSvc{users: []models.UserRecord{{ID: "user_1", Name: "alice", PublicKey: pub}}, verifyOK: true}
	a, out := newTestApp(svc, "")

	require.NoError(t, a.Verify(context.Background(), []string{"./a.txt", "beef", "user_1"}))
	assert.Equal(t, "./a.txt", svc.verifyPath)
	assert.Equal(t, pub, svc.verifyKey)
	assert.Equal(t, "VERIFIED: signature matches the file and key\n", out.String())

	svc.verifyOK = false
	a, out = newTestApp(svc, "beef\n"+pub+"\n")
	require.NoError(t, a.Verify(context.Background(), []string{"./b.txt"}))
	assert.Equal(t, "./b.txt", svc.verifyPath)
	assert.Equal(t, pub, svc.verifyKey)
	assert.Contains(t, out.String(), "NOT VERIFIED")
}

func TestArgOrPrompt_EmptyInput(t *testing.T) {
	a, _ := newTestApp(&fakeSvc{}, "\n")
	err := a.Show(context.Background(), nil)
	assert.EqualError(t, err, "nothing entered")
}

func TestUsersAndWhoami(t *testing.T) {
	svc := &fakeSvc{users: []models.UserRecord{{ID: "user_1", Name: "alice", PublicKey: "zz"}}}
	a, out := newTestApp(svc, "")

	require.NoError(t, a.Users(context.Background(), nil))
	assert.Contains(t, out.String(), "alice")
	assert.Contains(t, out.String(), "?")

	out.Reset()
	require.NoError(t, a.Whoami(context.Background(), nil))
	assert.Contains(t, out.String(), "Not registered")
}

func TestSync_ConnectsThenFlushes(t *testing.T) {
	svc := &fakeSvc{}
	a, out := newTestApp(svc, "")

	require.NoError(t, a.Sync(context.Background(), nil))
	assert.Equal(t, 1, svc.connects)
	assert.True(t, svc.flushed)
	assert.Equal(t, ModeOnline, a.mode())
	assert.Contains(t, out.String(), "In sync")

	svc2 := &fakeSvc{connectErr: errors.New("refused")}
	a2, _ := newTestApp(svc2, "")
	assert.Error(t, a2.Sync(context.Background(), nil))
	assert.False(t, svc2.flushed)
	assert.Equal(t, ModeOffline, a2.mode())
}

func TestStartConnectionWatcher_Reconnects(t *testing.T) {
	svc := &fakeSvc{}
	a, _ := newTestApp(svc, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.StartConnectionWatcher(ctx, 10*time.Millisecond)
	}()

	require.Eventually(t, svc.Connected, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, ModeOnline, a.mode())
}

func TestRun_OfflineThenExitCloses(t *testing.T) {
	capturePrintln(t)
	svc := &fakeSvc{connectErr: errors.New("refused")}
	a, out := newTestApp(svc, "save\nexit\n")

	require.NoError(t, a.Run(context.Background()))
	assert.Contains(t, out.String(), "working offline")
	assert.True(t, svc.persisted)
	assert.True(t, svc.closed)
}
