package transport

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/intake/internal/generate"
	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/model"
)

// SubmissionCreator creates draft submissions.
type SubmissionCreator interface {
	CreateSubmission(ctx context.Context, vertical model.Vertical) (model.Submission, error)
}

type createSubmissionResponse struct {
	ID        string `json:"id"`
	Token     string `json:"token"`
	IntakeURL string `json:"intake_url"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// IntakeURL is the client link for token.
func IntakeURL(publicURL, token string) string {
	return strings.TrimRight(publicURL, "/") + "/intake/" + token
}

func handleCreateSubmission(store SubmissionCreator, publicURL string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSubmissionRequest
		if err := decodeAndValidate(r, &req); err != nil {
			WriteError(w, err)
			return
		}
		vertical, err := model.ParseVertical(req.Vertical)
		if err != nil {
			WriteError(w, err)
			return
		}
		sub, err := store.CreateSubmission(r.Context(), vertical)
		if err != nil {
			observability.RequestLogger(r.Context(), logger).Error("create submission failed", zap.Error(err))
			WriteError(w, err)
			return
		}
		observability.RequestLogger(r.Context(), logger).Info("submission created",
			zap.String("submission_id", sub.ID),
			zap.String("vertical", string(sub.Vertical)),
		)
		WriteData(w, http.StatusCreated, createSubmissionResponse{
			ID:        sub.ID,
			Token:     sub.AccessToken,
			IntakeURL: IntakeURL(publicURL, sub.AccessToken),
		})
	}
}

func handleGenerate(gen generate.Generator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := decodeAndValidate(r, &req); err != nil {
			WriteError(w, err)
			return
		}
		tone := model.Tone(req.Tone)
		if tone == "" {
			tone = model.DefaultTone
		}
		text, err := gen.Generate(r.Context(), req.Prompt, tone)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteData(w, http.StatusOK, generateResponse{Text: text})
	}
}
