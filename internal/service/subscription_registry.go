package service

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/marketsync/internal/model"
)

// SubscriptionRegistry owns the live client sessions interested in rule
// notifications. Subscriptions are never persisted: they are created when a
// client attaches, dropped when it detaches, and gone after a restart.
type SubscriptionRegistry struct {
	subs sync.Map // id -> *model.Subscription
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{}
}

// Create registers a new subscription for a user and returns it.
func (r *SubscriptionRegistry) Create(userID int) *model.Subscription {
	sub := &model.Subscription{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	r.subs.Store(sub.ID, sub)
	return sub
}

// Remove drops a subscription. Returns false if the id is unknown.
func (r *SubscriptionRegistry) Remove(id string) bool {
	_, ok := r.subs.LoadAndDelete(id)
	return ok
}

// Get returns a subscription by id, or nil.
func (r *SubscriptionRegistry) Get(id string) *model.Subscription {
	v, ok := r.subs.Load(id)
	if !ok {
		return nil
	}
	return v.(*model.Subscription)
}

// All returns every live subscription.
func (r *SubscriptionRegistry) All() []*model.Subscription {
	var out []*model.Subscription
	r.subs.Range(func(_, v interface{}) bool {
		out = append(out, v.(*model.Subscription))
		return true
	})
	return out
}

// ForUser returns a user's live subscriptions.
func (r *SubscriptionRegistry) ForUser(userID int) []*model.Subscription {
	var out []*model.Subscription
	r.subs.Range(func(_, v interface{}) bool {
		sub := v.(*model.Subscription)
		if sub.UserID == userID {
			out = append(out, sub)
		}
		return true
	})
	return out
}
