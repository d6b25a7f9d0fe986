package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anyproto/any-sync/app"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/familybook/familybook-server/domain"
	"github.com/familybook/familybook-server/issue"
	"github.com/familybook/familybook-server/store"
)

func TestHandler_Issues(t *testing.T) {
	t.Run("open initial issue", func(t *testing.T) {
		fx := newFixture(t)
		fx.issues.issue = domain.Issue{Id: primitive.NewObjectID(), GroupId: "g1", IssueNumber: 1}
		resp := fx.do(t, http.MethodPost, "/admin/groups/g1/issues/initial", nil)
		require.Equal(t, http.StatusCreated, resp.Code)
		var issue domain.Issue
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &issue))
		assert.Equal(t, 1, issue.IssueNumber)
	})
	t.Run("conflict maps to 409", func(t *testing.T) {
		fx := newFixture(t)
		fx.issues.err = domain.ErrInvariantViolation
		resp := fx.do(t, http.MethodPost, "/admin/groups/g1/issues/initial", nil)
		assert.Equal(t, http.StatusConflict, resp.Code)
	})
	t.Run("unknown group maps to 404", func(t *testing.T) {
		fx := newFixture(t)
		fx.issues.err = domain.ErrNotFound
		resp := fx.do(t, http.MethodPost, "/admin/groups/missing/issues/initial", nil)
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})
	t.Run("close issue with bad id", func(t *testing.T) {
		fx := newFixture(t)
		resp := fx.do(t, http.MethodPost, "/admin/issues/nothex/close", nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})
	t.Run("append post", func(t *testing.T) {
		fx := newFixture(t)
		issueId := primitive.NewObjectID()
		body := map[string]any{"authorId": "a1", "text": "hello"}
		resp := fx.do(t, http.MethodPost, "/admin/issues/"+issueId.Hex()+"/posts", body)
		require.Equal(t, http.StatusCreated, resp.Code)
		assert.Equal(t, "a1", fx.issues.lastAuthor)
	})
	t.Run("post quota maps to 409", func(t *testing.T) {
		fx := newFixture(t)
		fx.issues.err = domain.ErrCapacityExceeded
		issueId := primitive.NewObjectID()
		resp := fx.do(t, http.MethodPost, "/admin/issues/"+issueId.Hex()+"/posts", map[string]any{})
		assert.Equal(t, http.StatusConflict, resp.Code)
	})
	t.Run("rotate reports the opened issue", func(t *testing.T) {
		fx := newFixture(t)
		fx.issues.issue = domain.Issue{Id: primitive.NewObjectID(), IssueNumber: 2}
		fx.issues.rotated = true
		resp := fx.do(t, http.MethodPost, "/admin/groups/g1/rotate", nil)
		require.Equal(t, http.StatusOK, resp.Code)
		var out struct {
			Rotated bool          `json:"rotated"`
			Opened  *domain.Issue `json:"opened"`
		}
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
		assert.True(t, out.Rotated)
		require.NotNil(t, out.Opened)
		assert.Equal(t, 2, out.Opened.IssueNumber)
	})
	t.Run("issue detail", func(t *testing.T) {
		fx := newFixture(t)
		issueId := primitive.NewObjectID()
		fx.issues.issue = domain.Issue{Id: issueId, IssueNumber: 3}
		fx.issues.postCount = 7
		fx.issues.daysLeft = 5
		resp := fx.do(t, http.MethodGet, "/admin/issues/"+issueId.Hex(), nil)
		require.Equal(t, http.StatusOK, resp.Code)
		var det issue.Detail
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &det))
		assert.Equal(t, 3, det.Issue.IssueNumber)
		assert.Equal(t, 7, det.PostCount)
		assert.Equal(t, 5, det.DaysLeft)
	})
	t.Run("issue detail for unknown issue maps to 404", func(t *testing.T) {
		fx := newFixture(t)
		fx.issues.err = domain.ErrNotFound
		resp := fx.do(t, http.MethodGet, "/admin/issues/"+primitive.NewObjectID().Hex(), nil)
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})
	t.Run("upload image", func(t *testing.T) {
		fx := newFixture(t)
		issueId := primitive.NewObjectID()
		req := httptest.NewRequest(http.MethodPost, "/admin/issues/"+issueId.Hex()+"/images/photo.jpg", bytes.NewReader([]byte("jpeg-bytes")))
		resp := httptest.NewRecorder()
		fx.mux.ServeHTTP(resp, req)
		require.Equal(t, http.StatusCreated, resp.Code)
		var ref domain.ImageRef
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &ref))
		assert.True(t, strings.HasPrefix(ref.Key, "images/"+issueId.Hex()+"/"))
		assert.True(t, strings.HasSuffix(ref.Key, ".jpg"))
		assert.Equal(t, []byte("jpeg-bytes"), fx.store.objects[ref.Key])
		assert.Equal(t, "image/jpeg", fx.store.contentTypes[ref.Key])
	})
	t.Run("upload rejects non-image names", func(t *testing.T) {
		fx := newFixture(t)
		issueId := primitive.NewObjectID()
		resp := fx.do(t, http.MethodPost, "/admin/issues/"+issueId.Hex()+"/images/notes.txt", nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code)
		assert.Empty(t, fx.store.objects)
	})
	t.Run("rotate no-op omits the issue", func(t *testing.T) {
		fx := newFixture(t)
		resp := fx.do(t, http.MethodPost, "/admin/groups/g1/rotate", nil)
		require.Equal(t, http.StatusOK, resp.Code)
		var out struct {
			Rotated bool          `json:"rotated"`
			Opened  *domain.Issue `json:"opened"`
		}
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
		assert.False(t, out.Rotated)
		assert.Nil(t, out.Opened)
	})
}

func TestHandler_Books(t *testing.T) {
	t.Run("enqueue accepts immediately", func(t *testing.T) {
		fx := newFixture(t)
		issueId := primitive.NewObjectID()
		resp := fx.do(t, http.MethodPost, "/admin/issues/"+issueId.Hex()+"/enqueue", nil)
		assert.Equal(t, http.StatusAccepted, resp.Code)
		assert.Equal(t, []primitive.ObjectID{issueId}, fx.pipeline.enqueued)
	})
	t.Run("delivery update", func(t *testing.T) {
		fx := newFixture(t)
		bookId := primitive.NewObjectID()
		fx.pipeline.book = domain.Book{Id: bookId, DeliveryStatus: domain.DeliveryStatusShipping}
		body := map[string]any{"status": "shipping", "carrier": "PostNord", "trackingId": "PN1"}
		resp := fx.do(t, http.MethodPost, "/admin/books/"+bookId.Hex()+"/delivery", body)
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, domain.DeliveryStatusShipping, fx.pipeline.lastDelivery)
		assert.Equal(t, "PostNord", fx.pipeline.lastCarrier)
	})
	t.Run("unknown delivery status", func(t *testing.T) {
		fx := newFixture(t)
		bookId := primitive.NewObjectID()
		body := map[string]any{"status": "teleported"}
		resp := fx.do(t, http.MethodPost, "/admin/books/"+bookId.Hex()+"/delivery", body)
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})
	t.Run("invalid delivery transition maps to 409", func(t *testing.T) {
		fx := newFixture(t)
		fx.pipeline.err = domain.ErrInvalidTransition
		bookId := primitive.NewObjectID()
		body := map[string]any{"status": "pending"}
		resp := fx.do(t, http.MethodPost, "/admin/books/"+bookId.Hex()+"/delivery", body)
		assert.Equal(t, http.StatusConflict, resp.Code)
	})
	t.Run("pending books", func(t *testing.T) {
		fx := newFixture(t)
		fx.pipeline.pending = []domain.Book{{Id: primitive.NewObjectID()}}
		resp := fx.do(t, http.MethodGet, "/admin/books/pending", nil)
		require.Equal(t, http.StatusOK, resp.Code)
		var books []domain.Book
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &books))
		assert.Len(t, books, 1)
	})
}

func TestHandler_NotFound(t *testing.T) {
	fx := newFixture(t)
	resp := fx.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Contains(t, resp.Body.String(), "error")
}

type fixture struct {
	mux      *http.ServeMux
	issues   *fakeIssues
	pipeline *fakePipeline
	store    *fakeStore
}

func newFixture(t *testing.T) *fixture {
	fx := &fixture{
		mux:      http.NewServeMux(),
		issues:   &fakeIssues{},
		pipeline: &fakePipeline{},
		store:    &fakeStore{objects: map[string][]byte{}},
	}
	h := handler{issues: fx.issues, pipeline: fx.pipeline, store: fx.store}
	h.init(fx.mux)
	return fx
}

func (fx *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	resp := httptest.NewRecorder()
	fx.mux.ServeHTTP(resp, req)
	return resp
}

type fakeIssues struct {
	issue      domain.Issue
	postCount  int
	daysLeft   int
	rotated    bool
	err        error
	lastAuthor string
}

func (s *fakeIssues) OpenInitialIssue(ctx context.Context, groupId string) (domain.Issue, error) {
	return s.issue, s.err
}

func (s *fakeIssues) AppendContent(ctx context.Context, issueId primitive.ObjectID, authorId, text string, images []domain.ImageRef) (domain.Post, error) {
	if s.err != nil {
		return domain.Post{}, s.err
	}
	s.lastAuthor = authorId
	return domain.Post{Id: primitive.NewObjectID(), IssueId: issueId, AuthorId: authorId, Text: text}, nil
}

func (s *fakeIssues) CloseIssue(ctx context.Context, issueId primitive.ObjectID) (domain.Issue, error) {
	return s.issue, s.err
}

func (s *fakeIssues) OpenNextIssue(ctx context.Context, groupId string, previousIssueId primitive.ObjectID) (domain.Issue, error) {
	return s.issue, s.err
}

func (s *fakeIssues) PublishIssue(ctx context.Context, issueId primitive.ObjectID) (domain.Issue, error) {
	return s.issue, s.err
}

func (s *fakeIssues) Rotate(ctx context.Context, groupId string, dueOnly bool) (domain.Issue, bool, error) {
	return s.issue, s.rotated, s.err
}

func (s *fakeIssues) CurrentIssue(ctx context.Context, groupId string) (domain.Issue, error) {
	return s.issue, s.err
}

func (s *fakeIssues) IssueDetail(ctx context.Context, issueId primitive.ObjectID) (issue.Detail, error) {
	if s.err != nil {
		return issue.Detail{}, s.err
	}
	return issue.Detail{Issue: s.issue, PostCount: s.postCount, DaysLeft: s.daysLeft}, nil
}

func (s *fakeIssues) ListIssues(ctx context.Context, groupId string) ([]domain.Issue, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []domain.Issue{s.issue}, nil
}

func (s *fakeIssues) Init(a *app.App) error { return nil }
func (s *fakeIssues) Name() string          { return "issue.service" }

type fakePipeline struct {
	enqueued     []primitive.ObjectID
	book         domain.Book
	pending      []domain.Book
	err          error
	lastDelivery domain.DeliveryStatus
	lastCarrier  string
}

func (p *fakePipeline) Enqueue(issueId primitive.ObjectID) {
	p.enqueued = append(p.enqueued, issueId)
}

func (p *fakePipeline) Process(ctx context.Context, issueId primitive.ObjectID) error { return p.err }

func (p *fakePipeline) Regenerate(ctx context.Context, bookId primitive.ObjectID) error {
	return p.err
}

func (p *fakePipeline) UpdateDelivery(ctx context.Context, bookId primitive.ObjectID, to domain.DeliveryStatus, carrier, trackingId string) (domain.Book, error) {
	if p.err != nil {
		return domain.Book{}, p.err
	}
	p.lastDelivery = to
	p.lastCarrier = carrier
	return p.book, nil
}

func (p *fakePipeline) ListPendingBooks(ctx context.Context) ([]domain.Book, error) {
	return p.pending, p.err
}

func (p *fakePipeline) Init(a *app.App) error           { return nil }
func (p *fakePipeline) Name() string                    { return "book.pipeline" }
func (p *fakePipeline) Run(ctx context.Context) error   { return nil }
func (p *fakePipeline) Close(ctx context.Context) error { return nil }

type fakeStore struct {
	objects      map[string][]byte
	contentTypes map[string]string
}

func (s *fakeStore) Put(ctx context.Context, key, contentType string, reader io.Reader) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	if s.contentTypes == nil {
		s.contentTypes = map[string]string{}
	}
	s.objects[key] = data
	s.contentTypes[key] = contentType
	return nil
}

func (s *fakeStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := s.objects[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeStore) DeletePath(ctx context.Context, path string) error {
	for key := range s.objects {
		if strings.HasPrefix(key, path) {
			delete(s.objects, key)
		}
	}
	return nil
}

func (s *fakeStore) Init(a *app.App) error { return nil }
func (s *fakeStore) Name() string          { return "s3store" }
