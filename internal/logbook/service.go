package logbook

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/roboclub/oprec/backend/internal/audit"
	"github.com/roboclub/oprec/backend/internal/blob"
	"github.com/roboclub/oprec/backend/internal/docstore"
	"github.com/roboclub/oprec/backend/internal/editing"
	"github.com/roboclub/oprec/backend/internal/ids"
	"github.com/roboclub/oprec/backend/internal/metrics"
	"go.uber.org/zap"
)

const (
	opServiceNew     = "logbook.service.new"
	opCreate         = "logbook.create"
	opGet            = "logbook.get"
	opList           = "logbook.list"
	opUpdate         = "logbook.update"
	opSubmit         = "logbook.submit"
	opReview         = "logbook.review"
	opComment        = "logbook.comment"
	opAttach         = "logbook.attach"
	opDelete         = "logbook.delete"
	opOpenSession    = "logbook.open_session"
	opResolve        = "logbook.resolve_conflict"
	defaultListLimit = 100
	maxDurationHours = 24
	maxCommentLength = 2000
)

var unsafeNameCharacters = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// ServiceConfig describes the collaborators of the logbook service.
type ServiceConfig struct {
	Store      docstore.Store
	Blob       blob.Store
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
	Audit      *audit.Recorder
	Metrics    *metrics.Metrics
	// ConflictEpsilon absorbs the editor's own just-committed write. Zero uses editing.DefaultEpsilon.
	ConflictEpsilon time.Duration
}

// Service manages research logbook entries.
type Service struct {
	store      docstore.Store
	blob       blob.Store
	idProvider ids.Provider
	clock      func() time.Time
	logger     *zap.Logger
	audit      *audit.Recorder
	metrics    *metrics.Metrics
	epsilon    time.Duration
	sessions   *sessionRegistry
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Blob == nil {
		return nil, newServiceError(opServiceNew, "missing_blob_store", errMissingBlob)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	epsilon := cfg.ConflictEpsilon
	if epsilon <= 0 {
		epsilon = editing.DefaultEpsilon
	}
	return &Service{
		store:      cfg.Store,
		blob:       cfg.Blob,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
		audit:      cfg.Audit,
		metrics:    cfg.Metrics,
		epsilon:    epsilon,
		sessions:   newSessionRegistry(),
	}, nil
}

// UpdateRequest is an editor save.
type UpdateRequest struct {
	ID      string
	ActorID string
	Values  FormValues
	Dirty   DirtyFields
	// BaseUpdatedAt is the updatedAt the editor loaded. Zero skips the conflict check.
	BaseUpdatedAt time.Time
	// Force overwrites the dirty fields even when the entry changed since BaseUpdatedAt.
	Force bool
}

// UpdateResult reports the outcome of a save. A conflict is an outcome, not an error:
// nothing was written and Logbook holds the newer server version.
type UpdateResult struct {
	Conflict bool    `json:"conflict"`
	Changed  []Field `json:"changed,omitempty"`
	Logbook  Logbook `json:"logbook"`
}

// ListFilter narrows List. Empty fields match everything.
type ListFilter struct {
	Team     string
	AuthorID string
	Status   Status
	Limit    int
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}, fields...)
	allFields = append(allFields, zap.Error(err))
	s.logger.Error("logbook operation failed", allFields...)
}

func (s *Service) fail(operation string, err error, fields ...zap.Field) error {
	err = translateError(err)
	reason := reasonFor(err)
	if reason == "internal" || reason == "store_unavailable" {
		s.logError(operation, reason, err, fields...)
	}
	return newServiceError(operation, reason, err)
}

func (s *Service) record(ctx context.Context, eventType, id, actorID string, attributes map[string]any) {
	s.audit.Record(ctx, audit.Event{
		Type:       eventType,
		Collection: Collection,
		EntityID:   id,
		ActorID:    actorID,
		Attributes: attributes,
	})
}

func decode(document docstore.Document) (Logbook, error) {
	var entry Logbook
	if err := document.Decode(&entry); err != nil {
		return Logbook{}, err
	}
	entry.ID = document.ID
	entry.UpdatedAt = document.UpdateTime
	if entry.Attachments == nil {
		entry.Attachments = []Attachment{}
	}
	if entry.Comments == nil {
		entry.Comments = []Comment{}
	}
	return entry, nil
}

func load(tx docstore.Transaction, id string) (Logbook, docstore.Document, error) {
	document, err := tx.Get(Collection, id)
	if err != nil {
		return Logbook{}, docstore.Document{}, translateError(err)
	}
	entry, err := decode(document)
	if err != nil {
		return Logbook{}, docstore.Document{}, err
	}
	if entry.DeletedAt != nil {
		return Logbook{}, docstore.Document{}, fmt.Errorf("%w: %s deleted", ErrNotFound, id)
	}
	return entry, document, nil
}

func save(tx docstore.Transaction, entry Logbook) error {
	data, err := docstore.ToData(entry)
	if err != nil {
		return err
	}
	return tx.Set(Collection, entry.ID, data, docstore.SetOptions{})
}

func requireActor(raw string) (string, error) {
	actor := strings.TrimSpace(raw)
	if actor == "" {
		return "", fmt.Errorf("%w: actor id is required", ErrValidation)
	}
	return actor, nil
}

func validateContent(entry Logbook) error {
	var problems []string
	if entry.Team == "" {
		problems = append(problems, "team is required")
	}
	if entry.Title == "" {
		problems = append(problems, "title is required")
	}
	if entry.Description == "" {
		problems = append(problems, "description is required")
	}
	if _, ok := ParseCategory(string(entry.Category)); !ok {
		problems = append(problems, fmt.Sprintf("unknown category %q", entry.Category))
	}
	if _, err := time.Parse(time.DateOnly, entry.ActivityDate); err != nil {
		problems = append(problems, "activityDate must be YYYY-MM-DD")
	}
	if entry.DurationHours < 0 || entry.DurationHours > maxDurationHours {
		problems = append(problems, fmt.Sprintf("durationHours must be between 0 and %d", maxDurationHours))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Create stores a new draft entry authored by authorID.
func (s *Service) Create(ctx context.Context, authorID, authorName string, values FormValues) (Logbook, error) {
	actor, err := requireActor(authorID)
	if err != nil {
		return Logbook{}, s.fail(opCreate, err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Logbook{}, s.fail(opCreate, err)
	}
	now := s.now()
	category, _ := ParseCategory(string(values.Category))
	entry := Logbook{
		ID:            id,
		Team:          strings.TrimSpace(values.Team),
		AuthorID:      actor,
		AuthorName:    strings.TrimSpace(authorName),
		ActivityDate:  strings.TrimSpace(values.ActivityDate),
		Title:         strings.TrimSpace(values.Title),
		Category:      category,
		Description:   strings.TrimSpace(values.Description),
		Achievements:  strings.TrimSpace(values.Achievements),
		Challenges:    strings.TrimSpace(values.Challenges),
		NextPlan:      strings.TrimSpace(values.NextPlan),
		DurationHours: values.DurationHours,
		Status:        StatusDraft,
		Attachments:   []Attachment{},
		Comments:      []Comment{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := validateContent(entry); err != nil {
		return Logbook{}, s.fail(opCreate, err)
	}
	err = s.store.RunTransaction(ctx, func(tx docstore.Transaction) error {
		if err := save(tx, entry); err != nil {
			return err
		}
		stored, _, err := load(tx, id)
		entry = stored
		return err
	})
	if err != nil {
		return Logbook{}, s.fail(opCreate, err, zap.String("logbook_id", id))
	}
	s.logger.Info("logbook created", zap.String("logbook_id", id), zap.String("team", entry.Team))
	s.record(ctx, audit.TypeLogbookCreated, id, actor, map[string]any{"team": entry.Team})
	return entry, nil
}

// Get loads a non-deleted entry.
func (s *Service) Get(ctx context.Context, id string) (Logbook, error) {
	document, err := s.store.Get(ctx, Collection, id)
	if err != nil {
		return Logbook{}, s.fail(opGet, err, zap.String("logbook_id", id))
	}
	entry, err := decode(document)
	if err != nil {
		return Logbook{}, s.fail(opGet, err, zap.String("logbook_id", id))
	}
	if entry.DeletedAt != nil {
		return Logbook{}, s.fail(opGet, fmt.Errorf("%w: %s deleted", ErrNotFound, id))
	}
	return entry, nil
}

// List returns non-deleted entries, most recent activity first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Logbook, error) {
	query := docstore.Query{
		Filters:    []docstore.Filter{{Field: "deletedAt", Operator: docstore.OpEqual, Value: nil}},
		OrderBy:    "activityDate",
		Descending: true,
		Limit:      filter.Limit,
	}
	if query.Limit <= 0 {
		query.Limit = defaultListLimit
	}
	if team := strings.TrimSpace(filter.Team); team != "" {
		query.Filters = append(query.Filters, docstore.Filter{Field: "team", Operator: docstore.OpEqual, Value: team})
	}
	if filter.AuthorID != "" {
		query.Filters = append(query.Filters, docstore.Filter{Field: "authorId", Operator: docstore.OpEqual, Value: filter.AuthorID})
	}
	if filter.Status != "" {
		query.Filters = append(query.Filters, docstore.Filter{Field: "status", Operator: docstore.OpEqual, Value: string(filter.Status)})
	}
	documents, err := s.store.Query(ctx, Collection, query)
	if err != nil {
		return nil, s.fail(opList, err)
	}
	entries := make([]Logbook, 0, len(documents))
	for _, document := range documents {
		entry, err := decode(document)
		if err != nil {
			return nil, s.fail(opList, err, zap.String("logbook_id", document.ID))
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Update writes only the dirty fields. When the entry changed since BaseUpdatedAt by more than the
// conflict epsilon, or one of the actor's editing sessions holds an unresolved conflict, and Force is
// false, nothing is written and the result carries Conflict. The actor's open sessions treat the
// write as their own submit and re-baseline to the committed version.
func (s *Service) Update(ctx context.Context, request UpdateRequest) (UpdateResult, error) {
	actor, err := requireActor(request.ActorID)
	if err != nil {
		return UpdateResult{}, s.fail(opUpdate, err)
	}
	patch, err := ComputeUpdatePayload(request.Values, request.Dirty)
	if err != nil {
		return UpdateResult{}, s.fail(opUpdate, err, zap.String("logbook_id", request.ID))
	}

	guard, err := s.sessions.beginSubmit(request.ID, actor, request.Force)
	if errors.Is(err, editing.ErrUnresolvedConflict) {
		current, getErr := s.Get(ctx, request.ID)
		if getErr != nil {
			return UpdateResult{}, getErr
		}
		s.logger.Info("logbook save refused by pending edit conflict",
			zap.String("logbook_id", request.ID), zap.String("actor_id", actor))
		return UpdateResult{Conflict: true, Logbook: current}, nil
	}
	if err != nil {
		return UpdateResult{}, s.fail(opUpdate, err, zap.String("logbook_id", request.ID))
	}

	var (
		result      UpdateResult
		committedAt time.Time
	)
	err = s.store.RunTransaction(ctx, func(tx docstore.Transaction) error {
		current, document, err := load(tx, request.ID)
		if err != nil {
			return err
		}
		if current.AuthorID != actor {
			return ErrForbidden
		}
		if !current.Status.Editable() {
			return fmt.Errorf("%w: entry is %s", ErrInvalidTransition, current.Status)
		}
		if !request.Force && !request.BaseUpdatedAt.IsZero() &&
			document.UpdateTime.After(request.BaseUpdatedAt.Add(s.epsilon)) {
			result = UpdateResult{Conflict: true, Logbook: current}
			return nil
		}
		if patch.Empty() {
			result = UpdateResult{Logbook: current}
			return nil
		}
		candidate := applyPatch(current, patch)
		if err := validateContent(candidate); err != nil {
			return err
		}
		update := patch.storeUpdate()
		update["updatedAt"] = s.now()
		if err := tx.Update(Collection, request.ID, update); err != nil {
			return err
		}
		stored, storedDocument, err := load(tx, request.ID)
		if err != nil {
			return err
		}
		result = UpdateResult{Changed: patch.Fields(), Logbook: stored}
		committedAt = storedDocument.UpdateTime
		return nil
	})
	guard.end(committedAt)
	if err != nil {
		return UpdateResult{}, s.fail(opUpdate, err, zap.String("logbook_id", request.ID), zap.String("actor_id", actor))
	}
	if result.Conflict {
		s.metrics.IncrementEditConflict(Collection)
		s.logger.Info("logbook save refused by edit conflict",
			zap.String("logbook_id", request.ID),
			zap.Time("base_updated_at", request.BaseUpdatedAt),
			zap.Time("server_updated_at", result.Logbook.UpdatedAt))
		return result, nil
	}
	if len(result.Changed) > 0 {
		changed := make([]string, 0, len(result.Changed))
		for _, field := range result.Changed {
			changed = append(changed, string(field))
		}
		s.record(ctx, audit.TypeLogbookUpdated, request.ID, actor, map[string]any{"fields": changed, "forced": request.Force})
	}
	return result, nil
}

func applyPatch(entry Logbook, patch Patch) Logbook {
	next := entry
	if patch.Team != nil {
		next.Team = *patch.Team
	}
	if patch.ActivityDate != nil {
		next.ActivityDate = *patch.ActivityDate
	}
	if patch.Title != nil {
		next.Title = *patch.Title
	}
	if patch.Category != nil {
		next.Category = *patch.Category
	}
	if patch.Description != nil {
		next.Description = *patch.Description
	}
	if patch.Achievements != nil {
		next.Achievements = *patch.Achievements
	}
	if patch.Challenges != nil {
		next.Challenges = *patch.Challenges
	}
	if patch.NextPlan != nil {
		next.NextPlan = *patch.NextPlan
	}
	if patch.DurationHours != nil {
		next.DurationHours = *patch.DurationHours
	}
	return next
}

// mutate runs fn on the current entry inside a transaction and stores the result.
func (s *Service) mutate(ctx context.Context, id string, fn func(*Logbook) error) (Logbook, error) {
	var result Logbook
	err := s.store.RunTransaction(ctx, func(tx docstore.Transaction) error {
		current, _, err := load(tx, id)
		if err != nil {
			return err
		}
		if err := fn(&current); err != nil {
			return err
		}
		current.UpdatedAt = s.now()
		if err := save(tx, current); err != nil {
			return err
		}
		stored, _, err := load(tx, id)
		result = stored
		return err
	})
	return result, err
}

// Submit hands a draft or revised entry to reviewers.
func (s *Service) Submit(ctx context.Context, id, actorID string) (Logbook, error) {
	actor, err := requireActor(actorID)
	if err != nil {
		return Logbook{}, s.fail(opSubmit, err)
	}
	entry, err := s.mutate(ctx, id, func(current *Logbook) error {
		if current.AuthorID != actor {
			return ErrForbidden
		}
		if !current.Status.Editable() {
			return fmt.Errorf("%w: entry is %s", ErrInvalidTransition, current.Status)
		}
		current.Status = StatusSubmitted
		return nil
	})
	if err != nil {
		return Logbook{}, s.fail(opSubmit, err, zap.String("logbook_id", id))
	}
	s.record(ctx, audit.TypeLogbookSubmitted, id, actor, nil)
	return entry, nil
}

// Review approves a submitted entry or sends it back for revision. Sending back requires a comment.
func (s *Service) Review(ctx context.Context, id, reviewerID, reviewerName string, approve bool, comment string) (Logbook, error) {
	reviewer, err := requireActor(reviewerID)
	if err != nil {
		return Logbook{}, s.fail(opReview, err)
	}
	comment = strings.TrimSpace(comment)
	if !approve && comment == "" {
		return Logbook{}, s.fail(opReview, fmt.Errorf("%w: a comment is required when requesting revision", ErrValidation))
	}
	var commentID string
	if comment != "" {
		if commentID, err = s.idProvider.NewID(); err != nil {
			return Logbook{}, s.fail(opReview, err)
		}
	}
	entry, err := s.mutate(ctx, id, func(current *Logbook) error {
		if current.Status != StatusSubmitted {
			return fmt.Errorf("%w: entry is %s", ErrInvalidTransition, current.Status)
		}
		now := s.now()
		current.Status = StatusNeedsRevision
		if approve {
			current.Status = StatusApproved
		}
		current.ReviewedBy = reviewer
		current.ReviewedAt = &now
		if comment != "" {
			current.Comments = append(current.Comments, Comment{
				ID: commentID, AuthorID: reviewer, AuthorName: reviewerName, Body: comment, CreatedAt: now,
			})
		}
		return nil
	})
	if err != nil {
		return Logbook{}, s.fail(opReview, err, zap.String("logbook_id", id))
	}
	s.record(ctx, audit.TypeLogbookReviewed, id, reviewer, map[string]any{"status": string(entry.Status)})
	return entry, nil
}

// AddComment appends a comment by any actor.
func (s *Service) AddComment(ctx context.Context, id, authorID, authorName, body string) (Logbook, error) {
	actor, err := requireActor(authorID)
	if err != nil {
		return Logbook{}, s.fail(opComment, err)
	}
	body = strings.TrimSpace(body)
	if body == "" || len(body) > maxCommentLength {
		return Logbook{}, s.fail(opComment, fmt.Errorf("%w: comment must be 1..%d characters", ErrValidation, maxCommentLength))
	}
	commentID, err := s.idProvider.NewID()
	if err != nil {
		return Logbook{}, s.fail(opComment, err)
	}
	entry, err := s.mutate(ctx, id, func(current *Logbook) error {
		current.Comments = append(current.Comments, Comment{
			ID: commentID, AuthorID: actor, AuthorName: strings.TrimSpace(authorName), Body: body, CreatedAt: s.now(),
		})
		return nil
	})
	if err != nil {
		return Logbook{}, s.fail(opComment, err, zap.String("logbook_id", id))
	}
	s.record(ctx, audit.TypeLogbookCommented, id, actor, map[string]any{"commentId": commentID})
	return entry, nil
}

// AddAttachment uploads data to the blob store and references it from the entry.
func (s *Service) AddAttachment(ctx context.Context, id, actorID, name string, data []byte) (Logbook, error) {
	actor, err := requireActor(actorID)
	if err != nil {
		return Logbook{}, s.fail(opAttach, err)
	}
	if _, err := s.Get(ctx, id); err != nil {
		return Logbook{}, err
	}
	attachmentID, err := s.idProvider.NewID()
	if err != nil {
		return Logbook{}, s.fail(opAttach, err)
	}
	safeName := unsafeNameCharacters.ReplaceAllString(path.Base(strings.TrimSpace(name)), "_")
	if safeName == "" || safeName == "." || safeName == "_" {
		safeName = "attachment"
	}
	objectPath := path.Join("logbooks", id, attachmentID+"-"+safeName)
	contentType, err := blob.Inspect(data, objectPath)
	if err != nil {
		return Logbook{}, s.fail(opAttach, err, zap.String("logbook_id", id))
	}
	url, err := s.blob.UploadFile(ctx, data, objectPath)
	if err != nil {
		if !errors.Is(translateError(err), ErrValidation) {
			err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return Logbook{}, s.fail(opAttach, err, zap.String("logbook_id", id))
	}
	entry, err := s.mutate(ctx, id, func(current *Logbook) error {
		if current.AuthorID != actor {
			return ErrForbidden
		}
		current.Attachments = append(current.Attachments, Attachment{
			ID: attachmentID, Name: safeName, URL: url, ContentType: contentType, UploadedBy: actor, UploadedAt: s.now(),
		})
		return nil
	})
	if err != nil {
		return Logbook{}, s.fail(opAttach, err, zap.String("logbook_id", id))
	}
	s.record(ctx, audit.TypeLogbookAttachmentAdded, id, actor, map[string]any{"attachmentId": attachmentID, "url": url})
	return entry, nil
}

// SoftDelete hides the entry from reads and lists. Only the author may delete.
func (s *Service) SoftDelete(ctx context.Context, id, actorID string) error {
	actor, err := requireActor(actorID)
	if err != nil {
		return s.fail(opDelete, err)
	}
	err = s.store.RunTransaction(ctx, func(tx docstore.Transaction) error {
		current, _, err := load(tx, id)
		if err != nil {
			return err
		}
		if current.AuthorID != actor {
			return ErrForbidden
		}
		now := s.now()
		return tx.Update(Collection, id, map[string]any{"deletedAt": now, "deletedBy": actor, "updatedAt": now})
	})
	if err != nil {
		return s.fail(opDelete, err, zap.String("logbook_id", id))
	}
	s.record(ctx, audit.TypeLogbookDeleted, id, actor, nil)
	return nil
}

// OpenSession starts an editing session of editorID on the entry. baseline may be zero to use the
// current updatedAt. Saves made through Update by the same editor are not reported as conflicts.
// Callers must CloseSession the session.
func (s *Service) OpenSession(ctx context.Context, id, editorID string, baseline time.Time, onChange func(docstore.Change)) (*editing.Session, error) {
	editor, err := requireActor(editorID)
	if err != nil {
		return nil, s.fail(opOpenSession, err)
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	session, err := editing.Open(ctx, editing.SessionConfig{
		Source:     s.store,
		Collection: Collection,
		ID:         id,
		Baseline:   baseline,
		Logger:     s.logger,
		OnChange:   onChange,
		Detector: editing.DetectorConfig{
			Epsilon:    s.epsilon,
			Clock:      s.clock,
			OnConflict: func(time.Time) { s.metrics.IncrementEditConflict(Collection) },
		},
	})
	if err != nil {
		return nil, s.fail(opOpenSession, err, zap.String("logbook_id", id))
	}
	s.sessions.add(id, editor, session)
	s.metrics.SessionOpened()
	return session, nil
}

// CloseSession closes a session opened by OpenSession.
func (s *Service) CloseSession(session *editing.Session) {
	if session == nil {
		return
	}
	s.sessions.remove(session)
	session.Close()
	s.metrics.SessionClosed()
}

// ResolveConflict re-baselines every open session of editorID on the entry and returns the current
// version for the editor to reload.
func (s *Service) ResolveConflict(ctx context.Context, id, editorID string) (Logbook, error) {
	editor, err := requireActor(editorID)
	if err != nil {
		return Logbook{}, s.fail(opResolve, err)
	}
	entry, err := s.Get(ctx, id)
	if err != nil {
		return Logbook{}, err
	}
	resolved := s.sessions.resolve(id, editor)
	s.logger.Info("logbook edit conflict resolved",
		zap.String("logbook_id", id), zap.String("actor_id", editor), zap.Int("sessions", resolved))
	return entry, nil
}
