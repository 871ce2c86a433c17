package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/pflag"

	"github.com/and161185/cipherline/internal/auth"
	"github.com/and161185/cipherline/internal/client"
	"github.com/and161185/cipherline/internal/crypto/clientcrypto"
	"github.com/and161185/cipherline/internal/errs"
	"github.com/and161185/cipherline/internal/model"
	"github.com/and161185/cipherline/internal/reconcile"
)

func newFlags(name string) *pflag.FlagSet {
	return pflag.NewFlagSet(name, pflag.ExitOnError)
}

func requireUUID(name, v string) (uuid.UUID, error) {
	if v == "" {
		return uuid.Nil, fmt.Errorf("need --%s", name)
	}
	id, err := uuid.FromString(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("--%s: %w", name, err)
	}
	return id, nil
}

func cmdToken(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: token <jwt>")
	}
	tok := strings.TrimSpace(args[0])
	id, exp, err := inspectToken(tok)
	if err != nil {
		return err
	}
	if err := saveToken(tok, exp, id); err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func cmdDevToken(args []string) error {
	fs := newFlags("dev-token")
	key := fs.String("jwt-key", "", "server HS256 key")
	idFlag := fs.String("id", "", "participant id (default: new)")
	role := fs.String("role", string(model.RoleClient), "client or professional")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	_ = fs.Parse(args)
	if *key == "" {
		return errors.New("need --jwt-key")
	}
	if !model.Role(*role).Valid() {
		return fmt.Errorf("unknown role %q", *role)
	}
	id := uuid.Must(uuid.NewV4())
	if *idFlag != "" {
		var err error
		if id, err = requireUUID("id", *idFlag); err != nil {
			return err
		}
	}
	tok, exp, err := auth.NewIssuer([]byte(*key), *ttl).Issue(id, model.Role(*role))
	if err != nil {
		return err
	}
	if err := saveToken(tok, exp, id); err != nil {
		return err
	}
	printJSON(map[string]string{"participant_id": id.String(), "token": tok, "expires_at": exp.Format(time.RFC3339)})
	return nil
}

func cmdKeygen(ctx context.Context, g globals, args []string) error {
	fs := newFlags("keygen")
	pass := fs.String("passphrase", "", "passphrase for the private key (default $"+EnvPassphrase+")")
	force := fs.Bool("force", false, "overwrite an existing local keypair")
	_ = fs.Parse(args)

	p, err := passphrase(*pass)
	if err != nil {
		return err
	}
	if _, err := os.Stat(keyPath()); err == nil && !*force {
		return errors.New("keypair exists (use --force to replace the local copy)")
	}
	s, err := connect(g)
	if err != nil {
		return err
	}
	pub, priv, err := clientcrypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	// publish first so a rejected key never replaces the local one
	if err := s.api.PublishKey(ctx, pub); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return errors.New("server already holds a different key for this participant")
		}
		return err
	}
	if err := saveKeys(pub, priv, p); err != nil {
		return err
	}
	fmt.Println(clientcrypto.EncodeKey(pub))
	return nil
}

func cmdKey(ctx context.Context, g globals, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: key <participant-id>")
	}
	id, err := uuid.FromString(args[0])
	if err != nil {
		return err
	}
	s, err := connect(g)
	if err != nil {
		return err
	}
	k, err := s.api.GetPublicKey(ctx, id)
	if err != nil {
		return err
	}
	fmt.Println(clientcrypto.EncodeKey(k))
	return nil
}

// conversation is the unlocked local identity bound to one peer.
type conversation struct {
	eng  *reconcile.Engine
	keys *client.KeyDirectory
	priv *[clientcrypto.KeyLen]byte
}

func (s *session) open(peer uuid.UUID, pass string) (*conversation, error) {
	p, err := passphrase(pass)
	if err != nil {
		return nil, err
	}
	_, priv, err := loadKeys(p)
	if err != nil {
		return nil, err
	}
	keys := client.NewKeyDirectory(s.api)
	eng, err := reconcile.New(s.self, peer, priv, keys, s.api, reconcile.DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &conversation{eng: eng, keys: keys, priv: priv}, nil
}

func cmdSend(ctx context.Context, g globals, args []string) error {
	fs := newFlags("send")
	to := fs.String("to", "", "receiver id")
	text := fs.String("text", "", "message text")
	textFile := fs.String("text-file", "", "read text from file ('-'=stdin)")
	docs := fs.StringArray("doc", nil, "attach a file (repeatable)")
	encrypted := fs.Bool("encrypted", false, "attached files are already encrypted")
	pass := fs.String("passphrase", "", "private key passphrase")
	_ = fs.Parse(args)

	peer, err := requireUUID("to", *to)
	if err != nil {
		return err
	}
	if *textFile != "" {
		b, err := readAll(*textFile)
		if err != nil {
			return err
		}
		*text = string(b)
	}
	if *text == "" && len(*docs) == 0 {
		return errors.New("need --text, --text-file or --doc")
	}
	s, err := connect(g)
	if err != nil {
		return err
	}
	conv, err := s.open(peer, *pass)
	if err != nil {
		return err
	}
	if len(*docs) == 0 {
		ent, err := conv.eng.Send(ctx, *text)
		if err != nil {
			return err
		}
		printJSON(entryView(ent, s.self))
		return nil
	}

	var ct, nonce string
	if *text != "" {
		pub, err := conv.keys.PublicKey(ctx, peer)
		if err != nil {
			return err
		}
		if ct, nonce, err = clientcrypto.Encrypt(*text, conv.priv, pub); err != nil {
			return err
		}
	}
	files := make([]client.File, 0, len(*docs))
	for _, path := range *docs {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		files = append(files, client.File{
			Name:      filepath.Base(path),
			MediaType: mime.TypeByExtension(filepath.Ext(path)),
			Body:      f,
		})
	}
	msg, err := s.api.Send(ctx, peer, ct, nonce, *encrypted, files...)
	if err != nil {
		return err
	}
	ent, _ := conv.eng.Receive(ctx, msg)
	printJSON(entryView(ent, s.self))
	return nil
}

func cmdHistory(ctx context.Context, g globals, args []string) error {
	fs := newFlags("history")
	with := fs.String("with", "", "other participant id")
	pass := fs.String("passphrase", "", "private key passphrase")
	_ = fs.Parse(args)

	peer, err := requireUUID("with", *with)
	if err != nil {
		return err
	}
	s, err := connect(g)
	if err != nil {
		return err
	}
	conv, err := s.open(peer, *pass)
	if err != nil {
		return err
	}
	entries, err := conv.eng.Refresh(ctx, true)
	if err != nil {
		return err
	}
	out := make([]view, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryView(e, s.self))
	}
	printJSON(out)
	return nil
}

func cmdListen(ctx context.Context, g globals, args []string) error {
	fs := newFlags("listen")
	with := fs.String("with", "", "other participant id")
	every := fs.Duration("refresh", 30*time.Second, "periodic refresh interval")
	chat := fs.Bool("chat", false, "send stdin lines; '/switch <id>' changes conversation")
	pass := fs.String("passphrase", "", "private key passphrase")
	_ = fs.Parse(args)

	peer, err := requireUUID("with", *with)
	if err != nil {
		return err
	}
	s, err := connect(g)
	if err != nil {
		return err
	}
	conv, err := s.open(peer, *pass)
	if err != nil {
		return err
	}
	eng := conv.eng
	pr := &printer{self: s.self, seen: map[string]model.Status{}, out: os.Stdout}

	refresh := func(force bool) {
		entries, err := eng.Refresh(ctx, force)
		if err != nil {
			if ctx.Err() == nil {
				fmt.Fprintln(os.Stderr, "refresh:", err)
			}
			return
		}
		pr.print(entries...)
	}
	refresh(true)

	sub := client.NewSubscriber(s.api, s.self, nil)
	sub.Dialer = s.dialer()
	sub.OnConnect = func() { go refresh(true) }

	go func() {
		t := time.NewTicker(*every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				refresh(true)
			}
		}
	}()

	if *chat {
		go chatLoop(ctx, os.Stdin, conv, pr, refresh)
	}

	err = sub.Run(ctx, func(m model.Message) {
		if ent, ok := eng.Receive(ctx, m); ok {
			pr.print(ent)
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// parseChatLine returns the new peer for a '/switch' line, or the text to send.
func parseChatLine(line string) (uuid.UUID, string, error) {
	line = strings.TrimSpace(line)
	rest, ok := strings.CutPrefix(line, "/switch")
	if !ok {
		return uuid.Nil, line, nil
	}
	peer, err := requireUUID("switch", strings.TrimSpace(rest))
	return peer, "", err
}

func chatLoop(ctx context.Context, in io.Reader, conv *conversation, pr *printer, refresh func(bool)) {
	sc := bufio.NewScanner(in)
	for sc.Scan() && ctx.Err() == nil {
		peer, text, err := parseChatLine(sc.Text())
		switch {
		case err != nil:
			fmt.Fprintln(os.Stderr, err)
		case peer != uuid.Nil:
			conv.keys.Forget(conv.eng.Peer())
			conv.eng.Reset(peer)
			fmt.Fprintln(os.Stderr, "now talking to", peer)
			refresh(true)
		case text != "":
			ent, err := conv.eng.Send(ctx, text)
			if err != nil {
				fmt.Fprintln(os.Stderr, "send:", err)
			}
			if ent.ID != "" {
				pr.print(ent)
			}
		}
	}
}

func cmdDownload(ctx context.Context, g globals, args []string) error {
	fs := newFlags("download")
	msgID := fs.String("message", "", "message id")
	index := fs.Int("index", 0, "attachment index")
	out := fs.String("out", "", "output file (default: original name, '-'=stdout)")
	_ = fs.Parse(args)

	id, err := requireUUID("message", *msgID)
	if err != nil {
		return err
	}
	s, err := connect(g)
	if err != nil {
		return err
	}
	att, rc, err := s.api.Download(ctx, id, *index)
	if err != nil {
		return err
	}
	defer rc.Close()

	var w io.Writer = os.Stdout
	if *out != "-" {
		name := *out
		if name == "" {
			name = filepath.Base(att.Filename)
		}
		if name == "" || name == "." || name == "/" {
			name = id.String()
		}
		f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
		fmt.Fprintf(os.Stderr, "saving %s (%d bytes, encrypted=%t)\n", name, att.Size, att.Encrypted)
	}
	_, err = io.Copy(w, rc)
	return err
}

// ---- output ----

type view struct {
	ID          string   `json:"id"`
	Direction   string   `json:"direction"`
	Text        string   `json:"text,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	Status      string   `json:"status"`
	CreatedAt   string   `json:"created_at"`
}

func entryView(e reconcile.Entry, self uuid.UUID) view {
	v := view{ID: e.ID, Direction: "in", Text: e.Text, Status: string(e.Status), CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339)}
	if e.Outgoing(self) {
		v.Direction = "out"
	}
	for _, a := range e.Attachments {
		v.Attachments = append(v.Attachments, fmt.Sprintf("%s (%s, %dB)", a.Filename, a.MediaType, a.Size))
	}
	return v
}

func formatEntry(e reconcile.Entry, self uuid.UUID) string {
	arrow := "<-"
	if e.Outgoing(self) {
		arrow = "->"
	}
	line := fmt.Sprintf("%s %s %s [%s]", e.CreatedAt.UTC().Format(time.RFC3339), arrow, e.Text, e.Status)
	if n := len(e.Attachments); n > 0 {
		line += fmt.Sprintf(" +%d attachment(s)", n)
	}
	return line
}

// printer writes each entry once per status.
type printer struct {
	mu   sync.Mutex
	self uuid.UUID
	seen map[string]model.Status
	out  io.Writer
}

func (p *printer) print(entries ...reconcile.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		if st, ok := p.seen[e.ID]; ok && st == e.Status {
			continue
		}
		p.seen[e.ID] = e.Status
		fmt.Fprintln(p.out, formatEntry(e, p.self))
	}
}
