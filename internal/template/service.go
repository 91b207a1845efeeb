package template

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/dhawalhost/permseal/internal/apperr"
	"github.com/dhawalhost/permseal/internal/policy"
	"github.com/dhawalhost/permseal/internal/system"
)

// ActionCatalog answers action-registration lookups. The system
// registry service satisfies it.
type ActionCatalog interface {
	GetAction(ctx context.Context, systemID, actionID string) (system.Action, error)
}

// Service manages permission templates and their authorization links.
type Service struct {
	store   Store
	catalog ActionCatalog
	logger  *zap.Logger
}

// NewService creates the template service.
func NewService(store Store, catalog ActionCatalog, logger *zap.Logger) *Service {
	return &Service{store: store, catalog: catalog, logger: logger}
}

// Create registers a template after validating its action set against
// the system registry. Action ids must be unique within the template.
func (s *Service) Create(ctx context.Context, t Template) (int64, error) {
	if len(t.ActionIDs) == 0 {
		return 0, apperr.Validationf("a template needs at least one action")
	}
	seen := make(map[string]struct{}, len(t.ActionIDs))
	for _, actionID := range t.ActionIDs {
		if _, ok := seen[actionID]; ok {
			return 0, apperr.Validationf("template action %s is repeated", actionID)
		}
		seen[actionID] = struct{}{}

		if _, err := s.catalog.GetAction(ctx, t.SystemID, actionID); err != nil {
			if errors.Is(err, system.ErrNotFound) {
				return 0, apperr.Validationf("action %s is not registered in system %s", actionID, t.SystemID)
			}
			return 0, err
		}
	}

	t.CreatedAt = time.Now().UTC()
	id, err := s.store.CreateTemplate(ctx, t)
	if err != nil {
		return 0, err
	}
	s.logger.Info("Template created",
		zap.Int64("template_id", id),
		zap.String("system_id", t.SystemID),
		zap.String("name", t.Name))
	return id, nil
}

// Get returns one template.
func (s *Service) Get(ctx context.Context, id int64) (Template, error) {
	return s.store.GetTemplate(ctx, id)
}

// List returns templates, optionally filtered by system.
func (s *Service) List(ctx context.Context, systemID string) ([]Template, error) {
	return s.store.ListTemplates(ctx, systemID)
}

// Delete removes a template. Deletion is refused while any subject is
// still authorized through it.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if _, err := s.store.GetTemplate(ctx, id); err != nil {
		return err
	}
	count, err := s.store.CountLinks(ctx, id)
	if err != nil {
		return err
	}
	if count > 0 {
		return apperr.Conflictf("template %d is still granted to %d subjects", id, count)
	}
	return s.store.DeleteTemplate(ctx, id)
}

// BeginUpdate marks the template as mid-update. Grants against a
// marked template are refused until the update finishes.
func (s *Service) BeginUpdate(ctx context.Context, id int64) error {
	t, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return err
	}
	if t.Updating {
		return apperr.Conflictf("template %d is already being updated", id)
	}
	return s.store.SetUpdating(ctx, id, true)
}

// FinishUpdate replaces the template's action set and clears the
// mid-update marker. Passing nil actions keeps the current set.
func (s *Service) FinishUpdate(ctx context.Context, id int64, actionIDs []string) error {
	t, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return err
	}
	if !t.Updating {
		return apperr.Validationf("template %d is not being updated", id)
	}
	if actionIDs != nil {
		seen := make(map[string]struct{}, len(actionIDs))
		for _, actionID := range actionIDs {
			if _, ok := seen[actionID]; ok {
				return apperr.Validationf("template action %s is repeated", actionID)
			}
			seen[actionID] = struct{}{}
			if _, err := s.catalog.GetAction(ctx, t.SystemID, actionID); err != nil {
				if errors.Is(err, system.ErrNotFound) {
					return apperr.Validationf("action %s is not registered in system %s", actionID, t.SystemID)
				}
				return err
			}
		}
		if err := s.store.UpdateActionIDs(ctx, id, actionIDs); err != nil {
			return err
		}
	}
	return s.store.SetUpdating(ctx, id, false)
}

// CheckAddMember verifies a template grant for one subject: the
// requested action set must exactly match the template's, and the
// subject must not already hold the template.
func (s *Service) CheckAddMember(ctx context.Context, templateID int64, subject policy.Subject, actionIDs []string) error {
	t, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return err
	}
	if !equalActionSets(t.ActionIDs, actionIDs) {
		return apperr.Validationf("the requested actions do not match the actions of template %d", templateID)
	}
	_, err = s.store.GetLink(ctx, templateID, subject)
	if err == nil {
		return apperr.Conflictf("template %d is already granted to %s %s", templateID, subject.Type, subject.ID)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// RecordGrant stores the link row with the applied policy snapshot.
// Called by the task runner after policies are written.
func (s *Service) RecordGrant(ctx context.Context, templateID int64, systemID string, subject policy.Subject, policies []policy.Policy) error {
	return s.store.CreateLink(ctx, Link{
		TemplateID:  templateID,
		SystemID:    systemID,
		SubjectType: subject.Type,
		SubjectID:   subject.ID,
		Policies:    policies,
		CreatedAt:   time.Now().UTC(),
	})
}

// LinkFor returns the subject's link for one template.
func (s *Service) LinkFor(ctx context.Context, templateID int64, subject policy.Subject) (Link, error) {
	return s.store.GetLink(ctx, templateID, subject)
}

// UpdateLinkPolicies replaces the stored snapshot after a condition
// update on a template-sourced grant.
func (s *Service) UpdateLinkPolicies(ctx context.Context, linkID int64, policies []policy.Policy) error {
	return s.store.UpdateLinkPolicies(ctx, linkID, policies)
}

// RevokeSubject removes the subject's link for one template.
func (s *Service) RevokeSubject(ctx context.Context, templateID int64, subject policy.Subject) error {
	return s.store.DeleteLink(ctx, templateID, subject)
}

// RevokeAllForSubject removes every link held by the subject. Used by
// group deletion cascades.
func (s *Service) RevokeAllForSubject(ctx context.Context, subject policy.Subject) error {
	return s.store.DeleteLinksBySubject(ctx, subject)
}

// LinksForSubject lists the subject's template links.
func (s *Service) LinksForSubject(ctx context.Context, subject policy.Subject) ([]Link, error) {
	return s.store.ListLinksBySubject(ctx, subject)
}

func equalActionSets(a, b []string) bool {
	setA := make(map[string]struct{}, len(a))
	for _, id := range a {
		setA[id] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, id := range b {
		setB[id] = struct{}{}
	}
	if len(setA) != len(setB) {
		return false
	}
	for id := range setB {
		if _, ok := setA[id]; !ok {
			return false
		}
	}
	return true
}
