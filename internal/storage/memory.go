package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/blockadesystems/certflow/internal/model"
)

// MemoryStorage is a mutex-guarded in-memory implementation used by tests
// and short-lived one-shot runs (CERTFLOW_STORAGE_TYPE=memory). Entities are
// stored by reference; persistence is the serialization point for writes.
type MemoryStorage struct {
	mu           sync.RWMutex
	accounts     map[string]*model.Account
	orders       map[string]*model.Order
	authzs       map[string]*model.Authorization
	challenges   map[string]*model.Challenge
	certificates map[string]*model.Certificate
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		accounts:     make(map[string]*model.Account),
		orders:       make(map[string]*model.Order),
		authzs:       make(map[string]*model.Authorization),
		challenges:   make(map[string]*model.Challenge),
		certificates: make(map[string]*model.Certificate),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStorage) Close() error { return nil }

func (s *MemoryStorage) SaveAccount(ctx context.Context, acc *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	assignID(&acc.ID)
	now := time.Now()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.LastModifiedAt = now
	s.accounts[acc.ID] = acc
	return nil
}

func (s *MemoryStorage) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[id], nil
}

func (s *MemoryStorage) GetAccountByEmail(ctx context.Context, email, serverURL string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	contact := "mailto:" + email
	for _, acc := range s.accounts {
		if serverURL != "" && acc.ServerURL != serverURL {
			continue
		}
		for _, c := range acc.Contact {
			if c == contact {
				return acc, nil
			}
		}
	}
	return nil, nil
}

func (s *MemoryStorage) GetAccountsByServerURL(ctx context.Context, serverURL string) ([]*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := make([]*model.Account, 0)
	for _, acc := range s.accounts {
		if acc.ServerURL == serverURL {
			matches = append(matches, acc)
		}
	}
	sortByCreation(matches, func(a *model.Account) time.Time { return a.CreatedAt })
	return matches, nil
}

func (s *MemoryStorage) GetAccountsByStatus(ctx context.Context, status string) ([]*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := make([]*model.Account, 0)
	for _, acc := range s.accounts {
		if acc.Status == status {
			matches = append(matches, acc)
		}
	}
	sortByCreation(matches, func(a *model.Account) time.Time { return a.CreatedAt })
	return matches, nil
}

func (s *MemoryStorage) SaveOrder(ctx context.Context, order *model.Order) error {
	s.mu.Lock()
	assignID(&order.ID)
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.LastModifiedAt = now
	if order.Account != nil && order.AccountID == "" {
		order.AccountID = order.Account.ID
	}
	for _, id := range order.Identifiers {
		assignID(&id.ID)
		id.OrderID = order.ID
	}
	s.orders[order.ID] = order
	s.mu.Unlock()
	for _, authz := range order.Authorizations {
		authz.OrderID = order.ID
		if err := s.SaveAuthorization(ctx, authz); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStorage) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orders[id], nil
}

func (s *MemoryStorage) GetOrdersByAccountID(ctx context.Context, accountID string) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := make([]*model.Order, 0)
	for _, o := range s.orders {
		if o.AccountID == accountID {
			matches = append(matches, o)
		}
	}
	sortByCreation(matches, func(o *model.Order) time.Time { return o.CreatedAt })
	return matches, nil
}

func (s *MemoryStorage) GetOrdersByStatus(ctx context.Context, status string) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := make([]*model.Order, 0)
	for _, o := range s.orders {
		if o.Status == status {
			matches = append(matches, o)
		}
	}
	sortByCreation(matches, func(o *model.Order) time.Time { return o.CreatedAt })
	return matches, nil
}

func (s *MemoryStorage) SaveAuthorization(ctx context.Context, authz *model.Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	assignID(&authz.ID)
	if authz.CreatedAt.IsZero() {
		authz.CreatedAt = time.Now()
	}
	if authz.Order != nil && authz.OrderID == "" {
		authz.OrderID = authz.Order.ID
	}
	if authz.Identifier != nil {
		authz.IdentifierID = authz.Identifier.ID
	}
	s.authzs[authz.ID] = authz
	for _, ch := range authz.Challenges {
		assignID(&ch.ID)
		if ch.CreatedAt.IsZero() {
			ch.CreatedAt = time.Now()
		}
		ch.AuthorizationID = authz.ID
		s.challenges[ch.ID] = ch
	}
	return nil
}

func (s *MemoryStorage) GetAuthorizationByDomain(ctx context.Context, domain string) (*model.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest *model.Authorization
	for _, a := range s.authzs {
		if a.Identifier == nil || a.Identifier.Value != domain {
			continue
		}
		if newest == nil || a.CreatedAt.After(newest.CreatedAt) {
			newest = a
		}
	}
	return newest, nil
}

func (s *MemoryStorage) GetAuthorizationsByStatus(ctx context.Context, status string) ([]*model.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := make([]*model.Authorization, 0)
	for _, a := range s.authzs {
		if a.Status == status {
			matches = append(matches, a)
		}
	}
	sortByCreation(matches, func(a *model.Authorization) time.Time { return a.CreatedAt })
	return matches, nil
}

func (s *MemoryStorage) SaveChallenge(ctx context.Context, ch *model.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	assignID(&ch.ID)
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now()
	}
	if ch.Authorization != nil && ch.AuthorizationID == "" {
		ch.AuthorizationID = ch.Authorization.ID
	}
	s.challenges[ch.ID] = ch
	return nil
}

func (s *MemoryStorage) SaveCertificate(ctx context.Context, cert *model.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	assignID(&cert.ID)
	if cert.CreatedAt.IsZero() {
		cert.CreatedAt = time.Now()
	}
	if cert.Order != nil && cert.OrderID == "" {
		cert.OrderID = cert.Order.ID
	}
	s.certificates[cert.ID] = cert
	return nil
}

func (s *MemoryStorage) GetCertificatesByDomain(ctx context.Context, domain string) ([]*model.Certificate, error) {
	return s.certsMatching(func(c *model.Certificate) bool { return c.ContainsDomain(domain) }, false)
}

func (s *MemoryStorage) GetCertificatesByOrderID(ctx context.Context, orderID string) ([]*model.Certificate, error) {
	return s.certsMatching(func(c *model.Certificate) bool { return c.OrderID == orderID }, false)
}

func (s *MemoryStorage) GetCertificatesByStatus(ctx context.Context, status string) ([]*model.Certificate, error) {
	return s.certsMatching(func(c *model.Certificate) bool { return c.Status == status }, false)
}

func (s *MemoryStorage) GetExpiringCertificates(ctx context.Context, days int) ([]*model.Certificate, error) {
	return s.certsMatching(func(c *model.Certificate) bool {
		return (c.Status == model.StatusValid || c.Status == model.StatusIssued) &&
			!c.IsExpired() && c.IsExpiringWithin(days)
	}, true)
}

func (s *MemoryStorage) GetValidCertificates(ctx context.Context) ([]*model.Certificate, error) {
	return s.certsMatching(func(c *model.Certificate) bool {
		return c.Status == model.StatusValid || c.Status == model.StatusIssued
	}, true)
}

func (s *MemoryStorage) certsMatching(match func(*model.Certificate) bool, byNotAfter bool) ([]*model.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := make([]*model.Certificate, 0)
	for _, c := range s.certificates {
		if match(c) {
			matches = append(matches, c)
		}
	}
	if byNotAfter {
		sort.Slice(matches, func(i, j int) bool { return matches[i].NotAfter.Before(matches[j].NotAfter) })
	} else {
		sortByCreation(matches, func(c *model.Certificate) time.Time { return c.CreatedAt })
	}
	return matches, nil
}

func sortByCreation[T any](items []T, createdAt func(T) time.Time) {
	sort.Slice(items, func(i, j int) bool { return createdAt(items[i]).Before(createdAt(items[j])) })
}
