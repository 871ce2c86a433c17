// Command cipherline is a CLI client for the cipherline messaging server.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/and161185/cipherline/internal/auth"
	"github.com/and161185/cipherline/internal/client"
	"github.com/and161185/cipherline/internal/crypto/clientcrypto"
	"github.com/gofrs/uuid/v5"
)

// EnvPassphrase holds the passphrase that unlocks the private key.
const EnvPassphrase = "CIPHERLINE_PASSPHRASE"

// ---- config/state store ----

type tokenFile struct {
	AccessToken   string    `json:"access_token"`
	ExpiresAt     time.Time `json:"expires_at"`
	ParticipantID string    `json:"participant_id"`
}

// keyFile holds the keypair; the private half is wrapped with a passphrase-derived KEK.
type keyFile struct {
	PublicKey  string `json:"public_key"`
	WrappedKey []byte `json:"wrapped_key"`
	KEKSalt    []byte `json:"kek_salt"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "cipherline")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "cipherline")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }
func keyPath() string   { return filepath.Join(cfgDir(), "key.json") }

func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func saveToken(tok string, exp time.Time, participant uuid.UUID) error {
	return writeJSONFile(tokenPath(), tokenFile{AccessToken: tok, ExpiresAt: exp, ParticipantID: participant.String()})
}

func loadToken() (string, uuid.UUID, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", uuid.Nil, err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", uuid.Nil, err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", uuid.Nil, errors.New("no valid token (run token or dev-token)")
	}
	id, err := uuid.FromString(tf.ParticipantID)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("token file: %w", err)
	}
	return tf.AccessToken, id, nil
}

// inspectToken reads the subject and expiry without verifying the signature;
// the server is the one that verifies.
func inspectToken(tok string) (uuid.UUID, time.Time, error) {
	var claims auth.Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return uuid.Nil, time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return uuid.Nil, time.Time{}, fmt.Errorf("token subject: %w", err)
	}
	exp := time.Now().Add(15 * time.Minute)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return id, exp, nil
}

func saveKeys(pub, priv *[clientcrypto.KeyLen]byte, passphrase []byte) error {
	salt, err := clientcrypto.Rand(clientcrypto.SaltLen)
	if err != nil {
		return err
	}
	wrapped, err := clientcrypto.WrapKey(clientcrypto.DeriveKEK(passphrase, salt), priv)
	if err != nil {
		return err
	}
	return writeJSONFile(keyPath(), keyFile{PublicKey: clientcrypto.EncodeKey(pub), WrappedKey: wrapped, KEKSalt: salt})
}

func loadKeys(passphrase []byte) (pub, priv *[clientcrypto.KeyLen]byte, err error) {
	b, err := os.ReadFile(keyPath())
	if err != nil {
		return nil, nil, fmt.Errorf("no keypair (run keygen): %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(b, &kf); err != nil {
		return nil, nil, err
	}
	if pub, err = clientcrypto.DecodeKey(kf.PublicKey); err != nil {
		return nil, nil, err
	}
	priv, err = clientcrypto.UnwrapKey(clientcrypto.DeriveKEK(passphrase, kf.KEKSalt), kf.WrappedKey)
	if err != nil {
		return nil, nil, errors.New("unlock private key: wrong passphrase or corrupted key file")
	}
	return pub, priv, nil
}

// ---- transport ----

type globals struct {
	addr     string
	caPath   string
	insecure bool
}

func loadTLS(caPath string, insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{InsecureSkipVerify: true}, nil //nolint:gosec // dev only, behind --insecure
	}
	if caPath == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return &tls.Config{RootCAs: pool}, nil
}

// session is an authenticated client plus the local identity.
type session struct {
	api    *client.API
	self   uuid.UUID
	tlsCfg *tls.Config
}

func connect(g globals) (*session, error) {
	tok, self, err := loadToken()
	if err != nil {
		return nil, err
	}
	tlsCfg, err := loadTLS(g.caPath, g.insecure)
	if err != nil {
		return nil, err
	}
	hc := &http.Client{Timeout: 60 * time.Second}
	if tlsCfg != nil {
		hc.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}
	api, err := client.New(g.addr, tok, client.WithHTTPClient(hc))
	if err != nil {
		return nil, err
	}
	return &session{api: api, self: self, tlsCfg: tlsCfg}, nil
}

func (s *session) dialer() *websocket.Dialer {
	d := *websocket.DefaultDialer
	d.TLSClientConfig = s.tlsCfg
	return &d
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func passphrase(flagValue string) ([]byte, error) {
	if flagValue == "" {
		flagValue = os.Getenv(EnvPassphrase)
	}
	if flagValue == "" {
		return nil, fmt.Errorf("passphrase required (--passphrase or $%s)", EnvPassphrase)
	}
	return []byte(flagValue), nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `cipherline CLI
Usage:
  cipherline [--addr URL] [--cacert file | --insecure] <cmd> [args]

Commands:
  version
  token      <jwt>                                  (saves token)
  dev-token  --jwt-key K [--id uuid] [--role r]     (mints and saves a token)
  keygen     [--passphrase P] [--force]             (creates and publishes a keypair)
  key        <participant-id>
  send       --to <id> [--text T | --text-file F] [--doc file]... [--encrypted]
  history    --with <id>
  listen     --with <id> [--refresh 30s] [--chat]
  download   --message <id> [--index N] [--out file]
`)
	os.Exit(2)
}

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands.
func main() {
	fs := pflag.NewFlagSet("cipherline", pflag.ExitOnError)
	fs.SetInterspersed(false)
	var g globals
	fs.StringVar(&g.addr, "addr", "http://localhost:8080", "server URL")
	fs.StringVar(&g.caPath, "cacert", "", "CA cert (PEM)")
	fs.BoolVar(&g.insecure, "insecure", false, "skip cert verify (dev)")
	fs.Usage = usage
	_ = fs.Parse(os.Args[1:])
	if fs.NArg() < 1 {
		usage()
	}
	cmd, args := fs.Arg(0), fs.Args()[1:]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "version":
		fmt.Printf("cipherline %s (%s)\n", version, buildDate)
	case "token":
		err = cmdToken(args)
	case "dev-token":
		err = cmdDevToken(args)
	case "keygen":
		err = cmdKeygen(ctx, g, args)
	case "key":
		err = cmdKey(ctx, g, args)
	case "send":
		err = cmdSend(ctx, g, args)
	case "history":
		err = cmdHistory(ctx, g, args)
	case "listen":
		err = cmdListen(ctx, g, args)
	case "download":
		err = cmdDownload(ctx, g, args)
	default:
		usage()
	}
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	var se *client.StatusError
	if errors.As(err, &se) {
		fmt.Fprintf(os.Stderr, "server error: code=%d msg=%s\n", se.Code, strings.TrimSpace(se.Message))
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
