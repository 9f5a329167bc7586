// internal/service/resolver.go
package service

import (
	"context"
	"fmt"

	"github.com/unclebandit/smsleopard-dispatcher/internal/model"
	"github.com/unclebandit/smsleopard-dispatcher/internal/repository"
)

// RecipientResolver turns an audience reference into the ordered recipient
// list for one dispatch run.
type RecipientResolver struct {
	Repo repository.RecipientRepositoryInterface
}

// Resolve snapshots the audience membership, keeping the first occurrence of
// any recipient listed more than once.
func (r *RecipientResolver) Resolve(ctx context.Context, tenantID string, audienceID int) ([]model.Recipient, error) {
	members, err := r.Repo.ListAudience(ctx, tenantID, audienceID)
	if err != nil {
		return nil, fmt.Errorf("resolve audience %d: %w", audienceID, err)
	}
	return dedupeRecipients(members), nil
}

// Size is used to reject known-empty audiences before a run starts.
func (r *RecipientResolver) Size(ctx context.Context, tenantID string, audienceID int) (int, error) {
	return r.Repo.CountAudience(ctx, tenantID, audienceID)
}

func (r *RecipientResolver) Lookup(ctx context.Context, tenantID string, recipientID int) (*model.Recipient, error) {
	return r.Repo.GetByID(ctx, tenantID, recipientID)
}

func dedupeRecipients(in []model.Recipient) []model.Recipient {
	out := make([]model.Recipient, 0, len(in))
	seen := make(map[int]bool, len(in))
	for _, rc := range in {
		if seen[rc.ID] {
			continue
		}
		seen[rc.ID] = true
		out = append(out, rc)
	}
	return out
}
