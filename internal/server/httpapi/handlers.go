package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/and161185/cipherline/internal/auth"
	"github.com/and161185/cipherline/internal/convert"
	"github.com/and161185/cipherline/internal/crypto/clientcrypto"
	"github.com/and161185/cipherline/internal/errs"
	"github.com/and161185/cipherline/internal/realtime"
	"github.com/and161185/cipherline/internal/service"
	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const multipartMemory = 8 << 20

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.FromString(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, errs.Validation("invalid %s", name)
	}
	return id, nil
}

func (h *handler) send(w http.ResponseWriter, r *http.Request) {
	receiver, err := pathUUID(r, "receiverId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	req := service.SendRequest{SenderID: identity(r).ParticipantID, ReceiverID: receiver}

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			h.writeError(w, r, badBody(err))
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()
		req.Ciphertext = r.FormValue("ciphertext")
		req.Nonce = r.FormValue("nonce")
		encrypted := false
		if v := r.FormValue("encrypted"); v != "" {
			if encrypted, err = strconv.ParseBool(v); err != nil {
				h.writeError(w, r, errs.Validation("encrypted must be a boolean"))
				return
			}
		}
		for _, fh := range r.MultipartForm.File["documents"] {
			f, err := fh.Open()
			if err != nil {
				h.writeError(w, r, err)
				return
			}
			defer f.Close()
			req.Files = append(req.Files, service.Upload{
				Filename:  fh.Filename,
				MediaType: fh.Header.Get("Content-Type"),
				Encrypted: encrypted,
				Body:      f,
			})
		}
	case "application/json":
		var body convert.SendBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.writeError(w, r, badBody(err))
			return
		}
		req.Ciphertext, req.Nonce = body.Ciphertext, body.Nonce
	default:
		h.writeError(w, r, errs.Validation("unsupported content type %q", mt))
		return
	}

	msg, err := h.delivery.Send(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, convert.ToMessage(*msg))
}

// badBody keeps the size-limit error recognizable and reports anything else as malformed input.
func badBody(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return errs.Validation("malformed body")
}

func (h *handler) fetch(w http.ResponseWriter, r *http.Request) {
	other, err := pathUUID(r, "otherParticipantId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	self := identity(r).ParticipantID
	msgs, err := h.delivery.Fetch(r.Context(), self, other, self)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToMessages(msgs))
}

func (h *handler) document(w http.ResponseWriter, r *http.Request) {
	msgID, err := pathUUID(r, "messageId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	idx, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		h.writeError(w, r, errs.Validation("invalid index"))
		return
	}
	att, rc, err := h.delivery.OpenAttachment(r.Context(), msgID, idx, identity(r).ParticipantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", att.MediaType)
	w.Header().Set("Content-Length", strconv.FormatInt(att.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename}))
	w.Header().Set("X-Attachment-Encrypted", strconv.FormatBool(att.Encrypted))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.log.Debug("attachment download interrupted", zap.Stringer("message", msgID), zap.Error(err))
	}
}

func (h *handler) getKey(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "participantId")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	k, err := h.keys.GetPublicKey(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.PublicKey{ParticipantID: id.String(), PublicKey: clientcrypto.EncodeKey((*[32]byte)(&k))})
}

func (h *handler) putKey(w http.ResponseWriter, r *http.Request) {
	var body convert.PublicKey
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil {
		h.writeError(w, r, errs.Validation("malformed body"))
		return
	}
	who := identity(r)
	k, err := h.keys.PublishKey(r.Context(), who.ParticipantID, who.Role, body.PublicKey)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.PublicKey{ParticipantID: who.ParticipantID.String(), PublicKey: clientcrypto.EncodeKey((*[32]byte)(&k))})
}

func (h *handler) realtime(w http.ResponseWriter, r *http.Request) {
	self := identity(r).ParticipantID
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		return
	}
	log := h.log.With(zap.Stringer("participant", self))
	conn := realtime.NewConn(ws, h.connOpts, log)
	conn.Serve(h.ctx, realtime.NewSession(h.hub, self, conn, log, realtime.WithRelay(h.relay)))
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			h.log.Warn("health ping failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
			return
		}
	}
	out := map[string]any{"status": "ok"}
	if h.hub != nil {
		out["connections"] = h.hub.Count()
	}
	writeJSON(w, http.StatusOK, out)
}
