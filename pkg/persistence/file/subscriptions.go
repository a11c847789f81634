package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
)

// SubscriptionRepository stores subscriptions as subscriptions/<id>.json.
type SubscriptionRepository struct {
	store *store
}

func (r *SubscriptionRepository) Save(_ context.Context, sub *models.WebhookSubscription) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}

	sub.UpdatedAt = now

	if err := r.store.write(sub, sub.ID+".json"); err != nil {
		return persistence.NewSubscriptionError("Save", sub.ID, err)
	}

	return nil
}

func (r *SubscriptionRepository) Get(_ context.Context, id string) (*models.WebhookSubscription, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	return r.get(id)
}

func (r *SubscriptionRepository) get(id string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription

	if err := r.store.read(&sub, id+".json"); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.NewSubscriptionError("Get", id, persistence.ErrSubscriptionNotFound)
		}

		return nil, persistence.NewSubscriptionError("Get", id, err)
	}

	return &sub, nil
}

func (r *SubscriptionRepository) List(_ context.Context) ([]*models.WebhookSubscription, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	files, err := r.store.glob("*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	out := make([]*models.WebhookSubscription, 0, len(files))

	for _, file := range files {
		sub, err := r.get(strings.TrimSuffix(file, ".json"))
		if err != nil {
			return nil, err
		}

		out = append(out, sub)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out, nil
}

func (r *SubscriptionRepository) Delete(_ context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if !r.store.exists(id + ".json") {
		return persistence.NewSubscriptionError("Delete", id, persistence.ErrSubscriptionNotFound)
	}

	if err := r.store.remove(id + ".json"); err != nil {
		return persistence.NewSubscriptionError("Delete", id, err)
	}

	return nil
}

func (r *SubscriptionRepository) UpdateStatus(_ context.Context, id string, status models.SubscriptionStatus) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	sub, err := r.get(id)
	if err != nil {
		return err
	}

	sub.Status = status
	sub.UpdatedAt = time.Now().UTC()

	if err := r.store.write(sub, id+".json"); err != nil {
		return persistence.NewSubscriptionError("UpdateStatus", id, err)
	}

	return nil
}
