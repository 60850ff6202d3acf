package backup

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/stevedore-app/stevedore/internal/archive"
	"github.com/stevedore-app/stevedore/internal/models"
	"github.com/stevedore-app/stevedore/internal/storage"
)

// Retention prunes scheduled archives beyond the configured lifecycle.
// Manual archives are never touched.
type Retention struct {
	storage *storage.Manager
	store   AuditStore
	logger  zerolog.Logger
}

// NewRetention creates the retention policy runner.
func NewRetention(manager *storage.Manager, store AuditStore, logger zerolog.Logger) *Retention {
	return &Retention{
		storage: manager,
		store:   store,
		logger:  logger.With().Str("component", "retention").Logger(),
	}
}

// Prune deletes, per container, every scheduled archive beyond the
// lifecycle newest. It returns the number of archives removed.
func (r *Retention) Prune(ctx context.Context, lifecycle int) (int, error) {
	if lifecycle < 1 {
		return 0, fmt.Errorf("lifecycle must be positive, got %d", lifecycle)
	}

	listings, err := r.storage.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list archives: %w", err)
	}

	// Group scheduled archives by parsed container name. Manual archives
	// never parse and fall through.
	groups := make(map[string][]models.BackupListing)
	for _, listing := range listings {
		name, ok := archive.ParseScheduledName(listing.Filename)
		if !ok {
			continue
		}
		groups[name] = append(groups[name], listing)
	}

	pruned := 0
	for name, group := range groups {
		// Newest first by modification time; the first lifecycle survive.
		sort.Slice(group, func(i, j int) bool {
			return group[i].ModTime > group[j].ModTime
		})
		if len(group) <= lifecycle {
			continue
		}

		for _, victim := range group[lifecycle:] {
			if err := r.storage.Delete(ctx, victim.Filename); err != nil {
				r.logger.Warn().Err(err).Str("file", victim.Filename).Msg("failed to prune archive")
				continue
			}

			r.logger.Info().Str("container", name).Str("file", victim.Filename).Msg("pruned expired archive")
			r.audit(ctx, victim.Filename)
			pruned++
		}
	}

	if pruned > 0 {
		r.logger.Info().Int("pruned", pruned).Int("lifecycle", lifecycle).Msg("retention pass complete")
	}
	return pruned, nil
}

func (r *Retention) audit(ctx context.Context, filename string) {
	log := models.NewAuditLog(models.AuditActionPrune, "backup", models.AuditResultSuccess).
		WithResource(filename)
	if err := r.store.CreateAuditLog(ctx, log); err != nil {
		r.logger.Warn().Err(err).Msg("failed to write audit log")
	}
}
