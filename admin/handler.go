package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/familybook/familybook-server/domain"
	"github.com/familybook/familybook-server/issue"
	"github.com/familybook/familybook-server/pipeline"
	"github.com/familybook/familybook-server/store"
)

type handler struct {
	issues   issue.Service
	pipeline pipeline.Service
	store    store.Store
}

func (h handler) init(m *http.ServeMux) {
	m.HandleFunc("POST /admin/groups/{groupId}/issues/initial", h.OpenInitialIssue)
	m.HandleFunc("GET /admin/groups/{groupId}/issues", h.ListIssues)
	m.HandleFunc("POST /admin/groups/{groupId}/rotate", h.Rotate)
	m.HandleFunc("POST /admin/groups/{groupId}/issues/{issueId}/next", h.OpenNextIssue)
	m.HandleFunc("GET /admin/issues/{issueId}", h.IssueDetail)
	m.HandleFunc("POST /admin/issues/{issueId}/close", h.CloseIssue)
	m.HandleFunc("POST /admin/issues/{issueId}/publish", h.PublishIssue)
	m.HandleFunc("POST /admin/issues/{issueId}/posts", h.AppendPost)
	m.HandleFunc("POST /admin/issues/{issueId}/images/{name}", h.UploadImage)
	m.HandleFunc("POST /admin/issues/{issueId}/enqueue", h.Enqueue)
	m.HandleFunc("POST /admin/books/{bookId}/regenerate", h.Regenerate)
	m.HandleFunc("POST /admin/books/{bookId}/delivery", h.UpdateDelivery)
	m.HandleFunc("GET /admin/books/pending", h.ListPendingBooks)
	m.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusNotFound, errors.New("not found"))
	})
}

func (h handler) OpenInitialIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := h.issues.OpenInitialIssue(r.Context(), r.PathValue("groupId"))
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issue)
}

func (h handler) ListIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := h.issues.ListIssues(r.Context(), r.PathValue("groupId"))
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issues)
}

func (h handler) Rotate(w http.ResponseWriter, r *http.Request) {
	opened, rotated, err := h.issues.Rotate(r.Context(), r.PathValue("groupId"), false)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Rotated bool          `json:"rotated"`
		Opened  *domain.Issue `json:"opened,omitempty"`
	}{rotated, issuePtr(opened, rotated)})
}

func issuePtr(is domain.Issue, ok bool) *domain.Issue {
	if !ok {
		return nil
	}
	return &is
}

func (h handler) OpenNextIssue(w http.ResponseWriter, r *http.Request) {
	issueId, err := primitive.ObjectIDFromHex(r.PathValue("issueId"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	opened, err := h.issues.OpenNextIssue(r.Context(), r.PathValue("groupId"), issueId)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, opened)
}

func (h handler) IssueDetail(w http.ResponseWriter, r *http.Request) {
	issueId, err := primitive.ObjectIDFromHex(r.PathValue("issueId"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	det, err := h.issues.IssueDetail(r.Context(), issueId)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, det)
}

func (h handler) CloseIssue(w http.ResponseWriter, r *http.Request) {
	issueId, err := primitive.ObjectIDFromHex(r.PathValue("issueId"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	closed, err := h.issues.CloseIssue(r.Context(), issueId)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closed)
}

func (h handler) PublishIssue(w http.ResponseWriter, r *http.Request) {
	issueId, err := primitive.ObjectIDFromHex(r.PathValue("issueId"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	published, err := h.issues.PublishIssue(r.Context(), issueId)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, published)
}

func (h handler) AppendPost(w http.ResponseWriter, r *http.Request) {
	issueId, err := primitive.ObjectIDFromHex(r.PathValue("issueId"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		AuthorId string            `json:"authorId"`
		Text     string            `json:"text"`
		Images   []domain.ImageRef `json:"images"`
	}
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	post, err := h.issues.AppendContent(r.Context(), issueId, req.AuthorId, req.Text, req.Images)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

func (h handler) UploadImage(w http.ResponseWriter, r *http.Request) {
	issueId, err := primitive.ObjectIDFromHex(r.PathValue("issueId"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	name := r.PathValue("name")
	contentType := store.ContentTypeByName(name)
	if !strings.HasPrefix(contentType, "image/") {
		writeErr(w, http.StatusBadRequest, errors.New("unsupported image type"))
		return
	}
	key := store.ImageKey(issueId.Hex(), uuid.NewString(), name)
	if err = h.store.Put(r.Context(), key, contentType, r.Body); err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, domain.ImageRef{Key: key})
}

func (h handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	issueId, err := primitive.ObjectIDFromHex(r.PathValue("issueId"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	h.pipeline.Enqueue(issueId)
	w.WriteHeader(http.StatusAccepted)
}

func (h handler) Regenerate(w http.ResponseWriter, r *http.Request) {
	bookId, err := primitive.ObjectIDFromHex(r.PathValue("bookId"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err = h.pipeline.Regenerate(r.Context(), bookId); err != nil {
		writeDomainErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h handler) UpdateDelivery(w http.ResponseWriter, r *http.Request) {
	bookId, err := primitive.ObjectIDFromHex(r.PathValue("bookId"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Status     string `json:"status"`
		Carrier    string `json:"carrier"`
		TrackingId string `json:"trackingId"`
	}
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	status, err := domain.ParseDeliveryStatus(req.Status)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	book, err := h.pipeline.UpdateDelivery(r.Context(), bookId, status, req.Carrier, req.TrackingId)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (h handler) ListPendingBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.pipeline.ListPendingBooks(r.Context())
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func writeDomainErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeErr(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrInvariantViolation),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrCapacityExceeded),
		errors.Is(err, domain.ErrNotReady):
		writeErr(w, http.StatusConflict, err)
	default:
		writeErr(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, _ := json.Marshal(v)
	_, _ = w.Write(data)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	type errResp struct {
		Error string `json:"error"`
	}
	errData := errResp{Error: err.Error()}
	errDataBytes, _ := json.Marshal(errData)
	_, _ = w.Write(errDataBytes)
}
