package transport

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/intake/internal/operator"
	"github.com/pitabwire/intake/model"
)

const maxListLimit = 200

func handleAdminList(d *operator.Dashboard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filters := model.SubmissionFilters{
			Search: q.Get("search"),
			Status: model.Status(q.Get("status")),
		}
		var err error
		if filters.Limit, err = queryInt(q.Get("limit"), "limit"); err != nil {
			WriteError(w, err)
			return
		}
		if filters.Offset, err = queryInt(q.Get("offset"), "offset"); err != nil {
			WriteError(w, err)
			return
		}
		if filters.Limit > maxListLimit {
			filters.Limit = maxListLimit
		}

		listing, err := d.List(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteData(w, http.StatusOK, listing)
	}
}

func handleAdminDetail(d *operator.Dashboard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := d.Detail(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteData(w, http.StatusOK, detail)
	}
}

func handleAdminTransition(d *operator.Dashboard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transitionRequest
		if err := decodeAndValidate(r, &req); err != nil {
			WriteError(w, err)
			return
		}
		sub, err := d.Transition(r.Context(), chi.URLParam(r, "id"), model.Status(req.Status), req.Comment)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteData(w, http.StatusOK, sub)
	}
}

func handleAdminBuild(d *operator.Dashboard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, err := d.Build(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteData(w, http.StatusAccepted, sub)
	}
}

func queryInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, model.NewBadRequestError(fmt.Sprintf("%s must be a non-negative integer", name))
	}
	return n, nil
}
