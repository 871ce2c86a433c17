package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/and161185/cipherline/internal/auth"
	"github.com/and161185/cipherline/internal/client"
	"github.com/and161185/cipherline/internal/crypto/clientcrypto"
	"github.com/and161185/cipherline/internal/model"
	"github.com/and161185/cipherline/internal/reconcile"
	"github.com/gofrs/uuid/v5"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return filepath.Join(dir, "cipherline")
}

func Test_cfgDir_And_Paths(t *testing.T) {
	base := withTmpConfig(t)
	if got := cfgDir(); got != base {
		t.Fatalf("cfgDir=%q, want %q", got, base)
	}
	if !strings.HasPrefix(tokenPath(), base) || !strings.HasSuffix(tokenPath(), "token.json") {
		t.Fatalf("tokenPath unexpected: %s", tokenPath())
	}
	if !strings.HasPrefix(keyPath(), base) || !strings.HasSuffix(keyPath(), "key.json") {
		t.Fatalf("keyPath unexpected: %s", keyPath())
	}
}

func Test_token_SaveLoad(t *testing.T) {
	_ = withTmpConfig(t)
	id := uuid.Must(uuid.NewV4())

	if _, _, err := loadToken(); err == nil {
		t.Fatalf("expected error when token file missing")
	}
	if err := saveToken("tok", time.Now().Add(time.Minute), id); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	tok, got, err := loadToken()
	if err != nil || tok != "tok" || got != id {
		t.Fatalf("loadToken: tok=%q id=%s err=%v", tok, got, err)
	}
	if err := saveToken("tok2", time.Now().Add(-time.Minute), id); err != nil {
		t.Fatalf("saveToken expired: %v", err)
	}
	if _, _, err := loadToken(); err == nil {
		t.Fatalf("want error for expired token")
	}
	st, err := os.Stat(tokenPath())
	if err != nil || st.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode: %v %v", st, err)
	}
}

func Test_inspectToken(t *testing.T) {
	t.Parallel()
	id := uuid.Must(uuid.NewV4())
	tok, exp, err := auth.NewIssuer([]byte("k"), time.Hour).Issue(id, model.RoleProfessional)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	got, gotExp, err := inspectToken(tok)
	if err != nil || got != id || !gotExp.Equal(exp.Truncate(time.Second)) {
		t.Fatalf("inspectToken: id=%s exp=%s err=%v (want %s %s)", got, gotExp, err, id, exp)
	}
	if _, _, err := inspectToken("not.a.jwt"); err == nil {
		t.Fatalf("garbage token should fail")
	}
}

func Test_saveLoadKeys(t *testing.T) {
	_ = withTmpConfig(t)
	if _, _, err := loadKeys([]byte("pw")); err == nil {
		t.Fatalf("expected error when key file missing")
	}
	pub, priv, err := clientcrypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if err := saveKeys(pub, priv, []byte("correct horse")); err != nil {
		t.Fatalf("saveKeys: %v", err)
	}
	gotPub, gotPriv, err := loadKeys([]byte("correct horse"))
	if err != nil || *gotPub != *pub || *gotPriv != *priv {
		t.Fatalf("loadKeys mismatch: %v", err)
	}
	if _, _, err := loadKeys([]byte("battery staple")); err == nil {
		t.Fatalf("wrong passphrase must fail")
	}
	raw, _ := os.ReadFile(keyPath())
	if bytes.Contains(raw, []byte(clientcrypto.EncodeKey(priv))) {
		t.Fatalf("private key stored in the clear")
	}
}

func Test_passphrase(t *testing.T) {
	t.Setenv(EnvPassphrase, "")
	if _, err := passphrase(""); err == nil {
		t.Fatalf("want error without passphrase")
	}
	t.Setenv(EnvPassphrase, "from-env")
	if p, _ := passphrase(""); string(p) != "from-env" {
		t.Fatalf("env passphrase ignored: %q", p)
	}
	if p, _ := passphrase("flag"); string(p) != "flag" {
		t.Fatalf("flag should win: %q", p)
	}
}

func Test_requireUUID(t *testing.T) {
	t.Parallel()
	if _, err := requireUUID("to", ""); err == nil || !strings.Contains(err.Error(), "--to") {
		t.Fatalf("empty: %v", err)
	}
	if _, err := requireUUID("to", "nope"); err == nil {
		t.Fatalf("bad uuid accepted")
	}
	id := uuid.Must(uuid.NewV4())
	if got, err := requireUUID("to", id.String()); err != nil || got != id {
		t.Fatalf("valid: %s %v", got, err)
	}
}

func Test_readAll_File_And_Stdin(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "f.txt")
	_ = os.WriteFile(tmp, []byte("hello"), 0o600)
	b, err := readAll(tmp)
	if err != nil || string(b) != "hello" {
		t.Fatalf("readAll(file): %q %v", b, err)
	}

	r, w, _ := os.Pipe()
	old := os.Stdin
	os.Stdin = r
	defer func() { os.Stdin = old }()
	go func() { _, _ = io.WriteString(w, "from-stdin"); _ = w.Close() }()
	b, err = readAll("-")
	if err != nil || string(b) != "from-stdin" {
		t.Fatalf("readAll(stdin): %q %v", b, err)
	}
}

func Test_printJSON_WritesPretty(t *testing.T) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	defer func() { os.Stdout = old }()

	printJSON(map[string]any{"a": 1})
	_ = w.Close()
	out, _ := io.ReadAll(r)

	var m map[string]any
	if json.Unmarshal(out, &m) != nil || m["a"] != float64(1) {
		t.Fatalf("printJSON produced invalid json: %s", string(out))
	}
	if !bytes.Contains(out, []byte("\n")) {
		t.Fatalf("printJSON should indent")
	}
}

func Test_loadTLS_Variants(t *testing.T) {
	t.Parallel()

	cfg, err := loadTLS("", true)
	if err != nil || cfg == nil || !cfg.InsecureSkipVerify {
		t.Fatalf("insecure: %v %v", cfg, err)
	}
	cfg, err = loadTLS("", false)
	if err != nil || cfg != nil {
		t.Fatalf("system roots expected: %v %v", cfg, err)
	}
	tmp := filepath.Join(t.TempDir(), "bad.pem")
	_ = os.WriteFile(tmp, []byte("not pem"), 0o600)
	cfg, err = loadTLS(tmp, false)
	if err == nil || cfg != nil {
		t.Fatalf("bad CA should error, got cfg=%v err=%v", cfg, err)
	}
}

func Test_printer_OncePerStatus(t *testing.T) {
	t.Parallel()
	self := uuid.Must(uuid.NewV4())
	var buf bytes.Buffer
	p := &printer{self: self, seen: map[string]model.Status{}, out: &buf}
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	e := reconcile.Entry{ID: "m1", SenderID: self, Text: "hi", Status: model.StatusSent, CreatedAt: at,
		Attachments: []model.Attachment{{Filename: "a.pdf"}}}

	p.print(e, e)
	e.Status = model.StatusDelivered
	p.print(e)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("want 2 lines, got %q", buf.String())
	}
	if lines[0] != "2026-05-04T10:00:00Z -> hi [sent] +1 attachment(s)" {
		t.Fatalf("unexpected line: %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "[delivered] +1 attachment(s)") {
		t.Fatalf("unexpected line: %q", lines[1])
	}

	v := entryView(reconcile.Entry{ID: "m2", SenderID: uuid.Must(uuid.NewV4()), Status: model.StatusDelivered, CreatedAt: at}, self)
	if v.Direction != "in" || v.CreatedAt != "2026-05-04T10:00:00Z" {
		t.Fatalf("entryView: %+v", v)
	}
}

type stubKeys struct{ pub *[clientcrypto.KeyLen]byte }

func (s stubKeys) GetPublicKey(context.Context, uuid.UUID) (*[clientcrypto.KeyLen]byte, error) {
	return s.pub, nil
}

type stubTransport struct {
	mu   sync.Mutex
	self uuid.UUID
	sent []uuid.UUID
}

func (s *stubTransport) Send(_ context.Context, to uuid.UUID, ct, nonce string, _ bool, _ ...client.File) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to)
	return model.Message{ID: uuid.Must(uuid.NewV4()), SenderID: s.self, ReceiverID: to, Ciphertext: ct, Nonce: nonce, Status: model.StatusSent, CreatedAt: time.Now()}, nil
}

func (s *stubTransport) Fetch(context.Context, uuid.UUID) ([]model.Message, error) { return nil, nil }

func Test_parseChatLine(t *testing.T) {
	t.Parallel()
	id := uuid.Must(uuid.NewV4())
	if peer, text, err := parseChatLine("  hi there \n"); err != nil || peer != uuid.Nil || text != "hi there" {
		t.Fatalf("text line: %s %q %v", peer, text, err)
	}
	if peer, text, err := parseChatLine("/switch " + id.String()); err != nil || peer != id || text != "" {
		t.Fatalf("switch: %s %q %v", peer, text, err)
	}
	if _, _, err := parseChatLine("/switch nope"); err == nil {
		t.Fatalf("bad switch accepted")
	}
}

func Test_chatLoop_SendAndSwitch(t *testing.T) {
	self := uuid.Must(uuid.NewV4())
	first, second := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	pub, priv, err := clientcrypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	tr := &stubTransport{self: self}
	keys := client.NewKeyDirectory(stubKeys{pub: pub})
	eng, err := reconcile.New(self, first, priv, keys, tr, 8)
	if err != nil {
		t.Fatal(err)
	}
	conv := &conversation{eng: eng, keys: keys, priv: priv}
	var out bytes.Buffer
	pr := &printer{self: self, seen: map[string]model.Status{}, out: &out}
	var forced int
	refresh := func(force bool) {
		if force {
			forced++
		}
	}

	in := strings.NewReader("hello\n/switch nope\n/switch " + second.String() + "\nagain\n")
	chatLoop(context.Background(), in, conv, pr, refresh)

	if len(tr.sent) != 2 || tr.sent[0] != first || tr.sent[1] != second {
		t.Fatalf("sent to %v, want [%s %s]", tr.sent, first, second)
	}
	if eng.Peer() != second || forced != 1 {
		t.Fatalf("peer=%s forced=%d", eng.Peer(), forced)
	}
	// switching dropped the first conversation's entries
	if snap := eng.Snapshot(); len(snap) != 1 || snap[0].Text != "again" {
		t.Fatalf("snapshot after switch: %+v", snap)
	}
	if !strings.Contains(out.String(), "-> hello [sent]") || !strings.Contains(out.String(), "-> again [sent]") {
		t.Fatalf("output: %q", out.String())
	}
}
