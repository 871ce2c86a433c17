// Package client talks to the messaging server over HTTP and the realtime websocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/cipherline/internal/convert"
	"github.com/and161185/cipherline/internal/crypto/clientcrypto"
	"github.com/and161185/cipherline/internal/errs"
	"github.com/and161185/cipherline/internal/model"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// StatusError is a non-2xx reply. It unwraps to the matching errs sentinel.
type StatusError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server replied %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusBadRequest:
		return errs.ErrValidation
	case http.StatusUnauthorized:
		return errs.ErrUnauthorized
	case http.StatusForbidden:
		return errs.ErrAccessDenied
	case http.StatusNotFound:
		return errs.ErrNotFound
	case http.StatusConflict:
		return errs.ErrAlreadyExists
	case http.StatusTooManyRequests:
		return errs.ErrRateLimited
	default:
		return nil
	}
}

// File is one attachment to upload.
type File struct {
	Name      string
	MediaType string
	Body      io.Reader
}

// API is a thin client for the /api/v1 routes.
type API struct {
	base  *url.URL
	token string
	http  *http.Client
	log   *zap.Logger
}

// Option customizes an API.
type Option func(*API)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) Option { return func(a *API) { a.http = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(a *API) { a.log = l } }

// New returns a client for the server at baseURL (scheme://host[:port]) authenticating with token.
func New(baseURL, token string, opts ...Option) (*API, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	a := &API{base: u, token: token, http: http.DefaultClient, log: zap.NewNop()}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

func (a *API) endpoint(parts ...string) string {
	u := *a.base
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/" + strings.Join(parts, "/")
	return u.String()
}

// RealtimeURL is the websocket endpoint.
func (a *API) RealtimeURL() string {
	u := *a.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/ws"
	return u.String()
}

// AuthHeader carries the bearer token for non-HTTP dialers.
func (a *API) AuthHeader() http.Header {
	return http.Header{"Authorization": {"Bearer " + a.token}}
}

func (a *API) do(ctx context.Context, method, endpoint, ctype string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}
	defer resp.Body.Close()
	se := &StatusError{Code: resp.StatusCode}
	var e convert.Error
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e); err == nil {
		se.Message = e.Error
	} else {
		se.Message = http.StatusText(resp.StatusCode)
	}
	if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		se.RetryAfter = time.Duration(s) * time.Second
	}
	a.log.Debug("request failed", zap.String("method", method), zap.Int("status", se.Code))
	return nil, se
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// GetPublicKey fetches a participant's published key.
func (a *API) GetPublicKey(ctx context.Context, id uuid.UUID) (*[clientcrypto.KeyLen]byte, error) {
	resp, err := a.do(ctx, http.MethodGet, a.endpoint("publicKey", id.String()), "", nil)
	if err != nil {
		return nil, err
	}
	var out convert.PublicKey
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return clientcrypto.DecodeKey(out.PublicKey)
}

// PublishKey uploads the caller's public key.
func (a *API) PublishKey(ctx context.Context, pub *[clientcrypto.KeyLen]byte) error {
	body, err := json.Marshal(convert.PublicKey{PublicKey: clientcrypto.EncodeKey(pub)})
	if err != nil {
		return err
	}
	resp, err := a.do(ctx, http.MethodPut, a.endpoint("publicKey"), "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Send posts one message. With files it uploads multipart, otherwise JSON.
func (a *API) Send(ctx context.Context, receiver uuid.UUID, ciphertext, nonce string, encrypted bool, files ...File) (model.Message, error) {
	var (
		body  io.Reader
		ctype string
	)
	if len(files) == 0 {
		b, err := json.Marshal(convert.SendBody{Ciphertext: ciphertext, Nonce: nonce})
		if err != nil {
			return model.Message{}, err
		}
		body, ctype = bytes.NewReader(b), "application/json"
	} else {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		if err := writeForm(mw, ciphertext, nonce, encrypted, files); err != nil {
			return model.Message{}, err
		}
		body, ctype = &buf, mw.FormDataContentType()
	}
	resp, err := a.do(ctx, http.MethodPost, a.endpoint("send", receiver.String()), ctype, body)
	if err != nil {
		return model.Message{}, err
	}
	var out convert.Message
	if err := decodeJSON(resp, &out); err != nil {
		return model.Message{}, err
	}
	return convert.FromMessage(out)
}

func writeForm(mw *multipart.Writer, ciphertext, nonce string, encrypted bool, files []File) error {
	if ciphertext != "" {
		if err := mw.WriteField("ciphertext", ciphertext); err != nil {
			return err
		}
		if err := mw.WriteField("nonce", nonce); err != nil {
			return err
		}
	}
	if err := mw.WriteField("encrypted", strconv.FormatBool(encrypted)); err != nil {
		return err
	}
	for _, f := range files {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="documents"; filename=%q`, f.Name))
		mt := f.MediaType
		if mt == "" {
			mt = "application/octet-stream"
		}
		h.Set("Content-Type", mt)
		w, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, f.Body); err != nil {
			return fmt.Errorf("read %s: %w", f.Name, err)
		}
	}
	return mw.Close()
}

// Fetch returns the conversation with other, oldest first.
func (a *API) Fetch(ctx context.Context, other uuid.UUID) ([]model.Message, error) {
	resp, err := a.do(ctx, http.MethodGet, a.endpoint("messages", other.String()), "", nil)
	if err != nil {
		return nil, err
	}
	var out []convert.Message
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return convert.FromMessages(out)
}

// Download streams one attachment. The caller closes the reader.
func (a *API) Download(ctx context.Context, messageID uuid.UUID, index int) (model.Attachment, io.ReadCloser, error) {
	resp, err := a.do(ctx, http.MethodGet, a.endpoint("messages", messageID.String(), "documents", strconv.Itoa(index)), "", nil)
	if err != nil {
		return model.Attachment{}, nil, err
	}
	att := model.Attachment{
		MediaType: resp.Header.Get("Content-Type"),
		Size:      resp.ContentLength,
		Encrypted: resp.Header.Get("X-Attachment-Encrypted") == "true",
	}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		att.Filename = params["filename"]
	}
	return att, resp.Body, nil
}
