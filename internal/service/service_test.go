package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/and161185/cipherline/internal/convert"
	"github.com/and161185/cipherline/internal/crypto/clientcrypto"
	"github.com/and161185/cipherline/internal/errs"
	"github.com/and161185/cipherline/internal/model"
	"github.com/and161185/cipherline/internal/repository"
	"github.com/and161185/cipherline/internal/repository/memory"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

/************ fakes ************/

type pushed struct {
	to    uuid.UUID
	frame []byte
}

type fakePusher struct {
	mu     sync.Mutex
	online map[uuid.UUID]bool
	sent   []pushed
}

func (p *fakePusher) Push(id uuid.UUID, frame []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.online[id] {
		return false
	}
	p.sent = append(p.sent, pushed{to: id, frame: frame})
	return true
}

type fakeFiles struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	n       int
	failAt  int
	removed []string
}

func newFakeFiles() *fakeFiles { return &fakeFiles{blobs: map[string][]byte{}, failAt: -1} }

func (f *fakeFiles) Save(r io.Reader) (string, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == f.failAt {
		return "", 0, errors.New("disk full")
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	f.n++
	key := uuid.Must(uuid.NewV4()).String()
	f.blobs[key] = b
	return key, int64(len(b)), nil
}

func (f *fakeFiles) Open(key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[key]
	if !ok {
		return nil, errs.ErrFileMissing
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeFiles) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, key)
	f.removed = append(f.removed, key)
	return nil
}

type fakeLimiter struct {
	allow bool
	retry time.Duration
	err   error
}

func (l fakeLimiter) Allow(context.Context, uuid.UUID) (bool, time.Duration, error) {
	return l.allow, l.retry, l.err
}

// failingAppend wraps a real store and fails every AppendMessage.
type failingAppend struct {
	*memory.Store
}

func (failingAppend) AppendMessage(context.Context, *model.Message) error {
	return errors.New("db down")
}

var _ repository.ConversationRepository = failingAppend{}

/************ helpers ************/

type env struct {
	store  *memory.Store
	files  *fakeFiles
	pusher *fakePusher
	svc    *DeliveryServiceImpl
	a, b   uuid.UUID
}

func newEnv(t *testing.T, opts ...DeliveryOption) *env {
	t.Helper()
	st := memory.New()
	e := &env{store: st, files: newFakeFiles(), pusher: &fakePusher{online: map[uuid.UUID]bool{}}}
	e.a = publish(t, st)
	e.b = publish(t, st)
	e.svc = NewDeliveryService(st, st, e.files, e.pusher, opts...)
	return e
}

func publish(t *testing.T, st *memory.Store) uuid.UUID {
	t.Helper()
	pub, _, err := clientcrypto.GenerateKeyPair()
	require.NoError(t, err)
	id := uuid.Must(uuid.NewV4())
	_, err = NewKeyDirectory(st, nil).PublishKey(context.Background(), id, model.RoleClient, clientcrypto.EncodeKey(pub))
	require.NoError(t, err)
	return id
}

/************ KeyDirectory ************/

func TestKeyDirectory_PublishAndGet(t *testing.T) {
	t.Parallel()
	st := memory.New()
	kd := NewKeyDirectory(st, nil)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())
	pub, _, _ := clientcrypto.GenerateKeyPair()
	enc := clientcrypto.EncodeKey(pub)

	_, err := kd.GetPublicKey(ctx, id)
	require.ErrorIs(t, err, errs.ErrParticipantNotFound)

	got, err := kd.PublishKey(ctx, id, "", enc)
	require.NoError(t, err)
	require.Equal(t, model.PublicKey(*pub), got)

	// identical re-publish is a no-op
	_, err = kd.PublishKey(ctx, id, model.RoleClient, enc)
	require.NoError(t, err)

	other, _, _ := clientcrypto.GenerateKeyPair()
	_, err = kd.PublishKey(ctx, id, model.RoleClient, clientcrypto.EncodeKey(other))
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	k, err := kd.GetPublicKey(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.PublicKey(*pub), k)

	p, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.RoleClient, p.Role)
}

func TestKeyDirectory_PublishValidation(t *testing.T) {
	t.Parallel()
	kd := NewKeyDirectory(memory.New(), nil)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())

	_, err := kd.PublishKey(ctx, id, model.RoleClient, "AAAA")
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = kd.PublishKey(ctx, id, model.RoleClient, "%%%")
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = kd.PublishKey(ctx, id, "admin", strings.Repeat("A", 43)+"=")
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = kd.PublishKey(ctx, uuid.Nil, model.RoleClient, strings.Repeat("A", 43)+"=")
	require.ErrorIs(t, err, errs.ErrValidation)
}

/************ Send ************/

func TestSend_ValidationOrder(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	stranger := uuid.Must(uuid.NewV4())

	cases := []struct {
		name string
		req  SendRequest
		want error
	}{
		{"self", SendRequest{SenderID: e.a, ReceiverID: e.a, Ciphertext: "c", Nonce: "n"}, errs.ErrValidation},
		{"self beats unknown", SendRequest{SenderID: stranger, ReceiverID: stranger}, errs.ErrValidation},
		{"empty", SendRequest{SenderID: e.a, ReceiverID: e.b}, errs.ErrValidation},
		{"no nonce", SendRequest{SenderID: e.a, ReceiverID: e.b, Ciphertext: "c"}, errs.ErrValidation},
		{"unknown receiver", SendRequest{SenderID: e.a, ReceiverID: stranger, Ciphertext: "c", Nonce: "n"}, errs.ErrParticipantNotFound},
		{"unknown sender", SendRequest{SenderID: stranger, ReceiverID: e.b, Ciphertext: "c", Nonce: "n"}, errs.ErrParticipantNotFound},
	}
	for _, tc := range cases {
		_, err := e.svc.Send(ctx, tc.req)
		require.ErrorIs(t, err, tc.want, tc.name)
	}
	require.Zero(t, e.store.Conversations())
}

func TestSend_PersistsAndPushes(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2025, 5, 1, 9, 0, 0, 0, time.FixedZone("x", 3600))
	e := newEnv(t, WithClock(func() time.Time { return fixed }))
	e.pusher.online[e.b] = true
	ctx := context.Background()

	m, err := e.svc.Send(ctx, SendRequest{SenderID: e.a, ReceiverID: e.b, Ciphertext: "Y3Q=", Nonce: "bm9uY2U="})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, m.ID)
	require.Equal(t, model.StatusSent, m.Status)
	require.Equal(t, fixed.UTC(), m.CreatedAt)
	require.Equal(t, time.UTC, m.CreatedAt.Location())

	require.Len(t, e.pusher.sent, 1)
	require.Equal(t, e.b, e.pusher.sent[0].to)
	var f convert.Frame
	require.NoError(t, json.Unmarshal(e.pusher.sent[0].frame, &f))
	require.Equal(t, convert.FrameMessage, f.Type)
	var wire convert.Message
	require.NoError(t, json.Unmarshal(f.Message, &wire))
	require.Equal(t, m.ID.String(), wire.ID)

	// reply lands in the same conversation
	r, err := e.svc.Send(ctx, SendRequest{SenderID: e.b, ReceiverID: e.a, Ciphertext: "cg==", Nonce: "bg=="})
	require.NoError(t, err)
	require.Equal(t, m.ConversationID, r.ConversationID)
	require.Equal(t, 1, e.store.Conversations())
	// a is offline: persisted, not pushed
	require.Len(t, e.pusher.sent, 1)
}

func TestSend_NilPusher(t *testing.T) {
	t.Parallel()
	st := memory.New()
	a, b := publish(t, st), publish(t, st)
	svc := NewDeliveryService(st, st, nil, nil)
	_, err := svc.Send(context.Background(), SendRequest{SenderID: a, ReceiverID: b, Ciphertext: "c", Nonce: "n"})
	require.NoError(t, err)

	_, err = svc.Send(context.Background(), SendRequest{SenderID: a, ReceiverID: b,
		Files: []Upload{{Filename: "x", Body: strings.NewReader("x")}}})
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestSend_AttachmentOnly(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	m, err := e.svc.Send(context.Background(), SendRequest{
		SenderID: e.a, ReceiverID: e.b, Nonce: "ignored",
		Files: []Upload{
			{Filename: `C:\Users\me\report.pdf`, MediaType: "application/pdf", Encrypted: true, Body: strings.NewReader("pdfbytes")},
			{Filename: "../../etc/passwd", Body: strings.NewReader("x")},
		},
	})
	require.NoError(t, err)
	require.Empty(t, m.Ciphertext)
	require.Empty(t, m.Nonce)
	require.Len(t, m.Attachments, 2)
	require.Equal(t, "report.pdf", m.Attachments[0].Filename)
	require.Equal(t, int64(8), m.Attachments[0].Size)
	require.True(t, m.Attachments[0].Encrypted)
	require.Equal(t, "passwd", m.Attachments[1].Filename)
	require.Equal(t, "application/octet-stream", m.Attachments[1].MediaType)
}

func TestSend_StoreFailureCleansUp(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.files.failAt = 1
	_, err := e.svc.Send(context.Background(), SendRequest{
		SenderID: e.a, ReceiverID: e.b,
		Files: []Upload{{Filename: "a", Body: strings.NewReader("1")}, {Filename: "b", Body: strings.NewReader("2")}},
	})
	require.Error(t, err)
	require.Len(t, e.files.removed, 1)
	require.Empty(t, e.files.blobs)
}

func TestSend_AppendFailureRemovesFiles(t *testing.T) {
	t.Parallel()
	st := memory.New()
	a, b := publish(t, st), publish(t, st)
	files := newFakeFiles()
	p := &fakePusher{online: map[uuid.UUID]bool{b: true}}
	svc := NewDeliveryService(st, failingAppend{st}, files, p)

	_, err := svc.Send(context.Background(), SendRequest{SenderID: a, ReceiverID: b, Ciphertext: "c", Nonce: "n",
		Files: []Upload{{Filename: "a", Body: strings.NewReader("1")}}})
	require.Error(t, err)
	require.Empty(t, files.blobs)
	require.Empty(t, p.sent)
}

func TestSend_RateLimited(t *testing.T) {
	t.Parallel()
	e := newEnv(t, WithLimiter(fakeLimiter{allow: false, retry: 7 * time.Second}))
	_, err := e.svc.Send(context.Background(), SendRequest{SenderID: e.a, ReceiverID: e.b, Ciphertext: "c", Nonce: "n"})
	require.ErrorIs(t, err, errs.ErrRateLimited)
	var rl *errs.RateLimitError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, 7*time.Second, rl.RetryAfter)

	e2 := newEnv(t, WithLimiter(fakeLimiter{err: errors.New("db")}))
	_, err = e2.svc.Send(context.Background(), SendRequest{SenderID: e2.a, ReceiverID: e2.b, Ciphertext: "c", Nonce: "n"})
	require.Error(t, err)
	require.NotErrorIs(t, err, errs.ErrRateLimited)
}

func TestSend_ConcurrentFirstContact(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := e.a, e.b
			if i%2 == 0 {
				from, to = e.b, e.a
			}
			m, err := e.svc.Send(context.Background(), SendRequest{SenderID: from, ReceiverID: to, Ciphertext: "c", Nonce: "n"})
			require.NoError(t, err)
			ids[i] = m.ConversationID
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, e.store.Conversations())
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}

/************ Fetch ************/

func TestFetch_MarksOnlyRequesterIncoming(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	e := newEnv(t, WithClock(func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }))
	ctx := context.Background()

	m1, _ := e.svc.Send(ctx, SendRequest{SenderID: e.a, ReceiverID: e.b, Ciphertext: "1", Nonce: "n"})
	m2, _ := e.svc.Send(ctx, SendRequest{SenderID: e.b, ReceiverID: e.a, Ciphertext: "2", Nonce: "n"})

	// a fetches: only m2 (to a) becomes delivered
	out, err := e.svc.Fetch(ctx, e.a, e.b, e.a)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, m1.ID, out[0].ID)
	require.Equal(t, model.StatusSent, out[0].Status)
	require.Equal(t, m2.ID, out[1].ID)
	require.Equal(t, model.StatusDelivered, out[1].Status)

	// argument order does not matter; b's fetch delivers m1
	out, err = e.svc.Fetch(ctx, e.a, e.b, e.b)
	require.NoError(t, err)
	require.Equal(t, model.StatusDelivered, out[0].Status)
	require.Equal(t, model.StatusDelivered, out[1].Status)

	stored, _ := e.store.GetMessage(ctx, m1.ID)
	require.Equal(t, model.StatusDelivered, stored.Status)
}

func TestFetch_RepeatedByReceiverIsStable(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	m, err := e.svc.Send(ctx, SendRequest{SenderID: e.a, ReceiverID: e.b, Ciphertext: "1", Nonce: "n"})
	require.NoError(t, err)

	first, err := e.svc.Fetch(ctx, e.b, e.a, e.b)
	require.NoError(t, err)
	second, err := e.svc.Fetch(ctx, e.b, e.a, e.b)
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Equal(t, first, second)
	require.Equal(t, m.ID, second[0].ID)
	require.Equal(t, model.StatusDelivered, second[0].Status)
}

func TestFetch_NoConversationAndAccess(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	out, err := e.svc.Fetch(ctx, e.a, e.b, e.a)
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Empty(t, out)

	_, err = e.svc.Fetch(ctx, e.a, e.b, uuid.Must(uuid.NewV4()))
	require.ErrorIs(t, err, errs.ErrAccessDenied)
}

/************ OpenAttachment ************/

func TestOpenAttachment(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	m, err := e.svc.Send(ctx, SendRequest{SenderID: e.a, ReceiverID: e.b,
		Files: []Upload{{Filename: "a.txt", MediaType: "text/plain", Body: strings.NewReader("hello")}}})
	require.NoError(t, err)

	att, rc, err := e.svc.OpenAttachment(ctx, m.ID, 0, e.b)
	require.NoError(t, err)
	b, _ := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.Equal(t, "hello", string(b))
	require.Equal(t, "a.txt", att.Filename)

	_, _, err = e.svc.OpenAttachment(ctx, m.ID, 0, uuid.Must(uuid.NewV4()))
	require.ErrorIs(t, err, errs.ErrAccessDenied)
	_, _, err = e.svc.OpenAttachment(ctx, m.ID, 1, e.a)
	require.ErrorIs(t, err, errs.ErrAttachmentNotFound)
	_, _, err = e.svc.OpenAttachment(ctx, m.ID, -1, e.a)
	require.ErrorIs(t, err, errs.ErrAttachmentNotFound)
	_, _, err = e.svc.OpenAttachment(ctx, uuid.Must(uuid.NewV4()), 0, e.a)
	require.ErrorIs(t, err, errs.ErrMessageNotFound)

	require.NoError(t, e.files.Remove(m.Attachments[0].Path))
	_, _, err = e.svc.OpenAttachment(ctx, m.ID, 0, e.a)
	require.ErrorIs(t, err, errs.ErrFileMissing)
}
