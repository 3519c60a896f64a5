package memory

import (
	"container/list"
	"context"
	"sync"

	"github.com/JakeFAU/print-quote-service/internal/analyzer"
)

// ResultStore is a bounded LRU cache of analysis results keyed by content hash.
type ResultStore struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
	next     analyzer.ResultStore
}

// NewResultStore creates a cache holding at most capacity results. When next
// is non-nil, misses read through to it and writes go to both.
func NewResultStore(capacity int, next analyzer.ResultStore) *ResultStore {
	if capacity <= 0 {
		capacity = 1024
	}
	return &ResultStore{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		next:     next,
	}
}

// GetResult implements analyzer.ResultStore.
func (s *ResultStore) GetResult(ctx context.Context, contentHash string) (analyzer.Result, bool, error) {
	s.mu.Lock()
	if el, ok := s.items[contentHash]; ok {
		s.order.MoveToFront(el)
		res := el.Value.(analyzer.Result)
		s.mu.Unlock()
		return res, true, nil
	}
	s.mu.Unlock()

	if s.next == nil {
		return analyzer.Result{}, false, nil
	}
	res, ok, err := s.next.GetResult(ctx, contentHash)
	if err != nil || !ok {
		return analyzer.Result{}, false, err
	}
	s.add(res)
	return res, true, nil
}

// PutResult implements analyzer.ResultStore.
func (s *ResultStore) PutResult(ctx context.Context, result analyzer.Result) error {
	s.add(result)
	if s.next != nil {
		return s.next.PutResult(ctx, result)
	}
	return nil
}

// Len reports the number of cached results.
func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *ResultStore) add(result analyzer.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[result.ContentHash]; ok {
		s.order.MoveToFront(el)
		return
	}
	s.items[result.ContentHash] = s.order.PushFront(result)
	for s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(analyzer.Result).ContentHash)
	}
}
