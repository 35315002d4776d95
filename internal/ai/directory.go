package ai

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tsunagi-ai/tsunagi/internal/model"
	"github.com/tsunagi-ai/tsunagi/internal/storage"
)

// Directory is a remote contact source consulted when the internal store has
// no match. Implementations return storage.ErrNotFound for a clean miss.
type Directory interface {
	// Name tags records returned from this source.
	Name() string
	FindContactByEmail(ctx context.Context, orgID uuid.UUID, email string) (model.Contact, error)
}

// lookupContact resolves the dossier's contact. An explicit id wins; an email
// falls through to the composite local+remote lookup.
func (s *Service) lookupContact(ctx context.Context, req DossierRequest) (*model.Contact, error) {
	if req.ContactID != nil {
		contact, err := s.store.GetContact(ctx, req.OrgID, *req.ContactID)
		switch {
		case err == nil:
			contact.Source = sourceLocal
			return &contact, nil
		case errors.Is(err, storage.ErrNotFound):
			return nil, nil
		default:
			return nil, err
		}
	}
	if req.ContactEmail == "" {
		return nil, nil
	}
	return s.compositeContactLookup(ctx, req.OrgID, req.ContactEmail)
}

const sourceLocal = "local"

// compositeContactLookup queries the internal store and every remote
// directory in parallel. A remote that errors is skipped rather than failing
// the dossier; matches merge on case-insensitive email with the local record
// winning ties, and every record keeps its source tag.
func (s *Service) compositeContactLookup(ctx context.Context, orgID uuid.UUID, email string) (*model.Contact, error) {
	key := strings.ToLower(strings.TrimSpace(email))

	var (
		mu      sync.Mutex
		matches []model.Contact
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		contact, err := s.store.FindContactByEmail(gctx, orgID, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		contact.Source = sourceLocal
		mu.Lock()
		matches = append(matches, contact)
		mu.Unlock()
		return nil
	})
	for _, dir := range s.directories {
		g.Go(func() error {
			contact, err := dir.FindContactByEmail(gctx, orgID, key)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return nil
				}
				// Remote failures degrade the dossier, they never abort it.
				s.logger.Warn("remote contact lookup failed",
					"directory", dir.Name(), "org_id", orgID, "error", err)
				return nil
			}
			contact.Source = dir.Name()
			mu.Lock()
			matches = append(matches, contact)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if best := pickMatch(matches, func(m model.Contact) bool {
		return m.Email != nil && strings.EqualFold(strings.TrimSpace(*m.Email), key)
	}); best != nil {
		return best, nil
	}
	// Some sources omit the email field on the record they matched. Fall back
	// to merging on name so those records still resolve.
	names := make(map[string]int)
	for _, m := range matches {
		if m.Name != nil {
			names[strings.ToLower(*m.Name)]++
		}
	}
	return pickMatch(matches, func(m model.Contact) bool {
		return m.Name != nil && names[strings.ToLower(*m.Name)] > 0
	}), nil
}

// pickMatch returns the first record satisfying ok, preferring the local
// source when both local and remote qualify.
func pickMatch(matches []model.Contact, ok func(model.Contact) bool) *model.Contact {
	var best *model.Contact
	for i := range matches {
		m := &matches[i]
		if !ok(*m) {
			continue
		}
		if best == nil || (best.Source != sourceLocal && m.Source == sourceLocal) {
			best = m
		}
	}
	return best
}
