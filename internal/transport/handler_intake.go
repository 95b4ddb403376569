package transport

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/intake/internal/session"
	"github.com/pitabwire/intake/model"
)

// Sessions is the session host used by the client routes.
type Sessions interface {
	Get(ctx context.Context, token string) (*session.Controller, error)
	Close(ctx context.Context, token string) error
}

type addRecordResponse struct {
	Index int `json:"index"`
	session.View
}

type augmentResponse struct {
	Key     string `json:"key"`
	Loading bool   `json:"loading"`
}

// withSession resolves the {token} URL parameter to a live session. An
// unknown token is answered with NOT_FOUND and a redirect to the entry
// point.
func withSession(sessions Sessions, fn func(w http.ResponseWriter, r *http.Request, c *session.Controller)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := sessions.Get(r.Context(), chi.URLParam(r, "token"))
		if err != nil {
			WriteClientError(w, err)
			return
		}
		fn(w, r, c)
	}
}

func handleSessionView(sessions Sessions) http.HandlerFunc {
	return withSession(sessions, func(w http.ResponseWriter, _ *http.Request, c *session.Controller) {
		WriteData(w, http.StatusOK, c.View())
	})
}

func handleSessionFields(sessions Sessions) http.HandlerFunc {
	return withSession(sessions, func(w http.ResponseWriter, r *http.Request, c *session.Controller) {
		body, err := readBody(r)
		if err != nil {
			WriteClientError(w, err)
			return
		}
		patch, err := model.DecodeAttributes(body)
		if err != nil {
			WriteClientError(w, err)
			return
		}
		c.ApplyFields(patch)
		WriteData(w, http.StatusOK, c.View())
	})
}

func handleRecordAdd(sessions Sessions) http.HandlerFunc {
	return withSession(sessions, func(w http.ResponseWriter, r *http.Request, c *session.Controller) {
		name, err := model.ParseCollectionName(chi.URLParam(r, "collection"))
		if err != nil {
			WriteClientError(w, err)
			return
		}
		body, err := readBody(r)
		if err != nil {
			WriteClientError(w, err)
			return
		}
		i, err := c.AddRecord(name, body)
		if err != nil {
			WriteClientError(w, err)
			return
		}
		WriteData(w, http.StatusCreated, addRecordResponse{Index: i, View: c.View()})
	})
}

func handleRecordPatch(sessions Sessions) http.HandlerFunc {
	return withSession(sessions, func(w http.ResponseWriter, r *http.Request, c *session.Controller) {
		name, i, err := recordParams(r)
		if err != nil {
			WriteClientError(w, err)
			return
		}
		body, err := readBody(r)
		if err != nil {
			WriteClientError(w, err)
			return
		}
		if err := c.PatchRecord(name, i, body); err != nil {
			WriteClientError(w, err)
			return
		}
		WriteData(w, http.StatusOK, c.View())
	})
}

func handleRecordRemove(sessions Sessions) http.HandlerFunc {
	return withSession(sessions, func(w http.ResponseWriter, r *http.Request, c *session.Controller) {
		name, i, err := recordParams(r)
		if err != nil {
			WriteClientError(w, err)
			return
		}
		if err := c.RemoveRecord(name, i); err != nil {
			WriteClientError(w, err)
			return
		}
		WriteData(w, http.StatusOK, c.View())
	})
}

func handleNavigate(sessions Sessions) http.HandlerFunc {
	return withSession(sessions, func(w http.ResponseWriter, r *http.Request, c *session.Controller) {
		var req navigateRequest
		if err := decodeAndValidate(r, &req); err != nil {
			WriteClientError(w, err)
			return
		}
		switch req.Action {
		case "next":
			c.Next(r.Context())
		case "prev":
			c.Prev(r.Context())
		case "jump":
			if req.Step == 0 {
				WriteValidationError(w, []model.FieldError{{
					Field:   "step",
					Code:    "required",
					Message: "step is required for jump",
				}})
				return
			}
			c.JumpTo(r.Context(), req.Step)
		}
		WriteData(w, http.StatusOK, c.View())
	})
}

func handleAugment(sessions Sessions) http.HandlerFunc {
	return withSession(sessions, func(w http.ResponseWriter, r *http.Request, c *session.Controller) {
		key := chi.URLParam(r, "key")
		if err := c.Augment(r.Context(), key); err != nil {
			WriteClientError(w, err)
			return
		}
		WriteData(w, http.StatusAccepted, augmentResponse{Key: key, Loading: c.Loading(key)})
	})
}

func handleSubmit(sessions Sessions) http.HandlerFunc {
	return withSession(sessions, func(w http.ResponseWriter, r *http.Request, c *session.Controller) {
		if _, err := c.Submit(r.Context()); err != nil {
			WriteClientError(w, err)
			return
		}
		WriteData(w, http.StatusOK, c.View())
	})
}

func handleSessionClose(sessions Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := sessions.Close(r.Context(), chi.URLParam(r, "token")); err != nil {
			WriteClientError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func recordParams(r *http.Request) (model.CollectionName, int, error) {
	name, err := model.ParseCollectionName(chi.URLParam(r, "collection"))
	if err != nil {
		return "", 0, err
	}
	raw := chi.URLParam(r, "index")
	i, err := strconv.Atoi(raw)
	if err != nil || i < 0 {
		return "", 0, model.NewBadRequestError(fmt.Sprintf("invalid record index %q", raw))
	}
	return name, i, nil
}
