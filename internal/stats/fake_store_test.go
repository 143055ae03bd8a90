package stats

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/recipes"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/reviews"
)

type fakeRecipe struct {
	stats  RecipeStats
	fields map[string]any
}

// fakeStore serializes transactions behind a mutex and buffers writes until
// the work returns without error.
type fakeStore struct {
	mu sync.Mutex

	recipes map[string]fakeRecipe
	reviews map[string]map[string]any

	now func() time.Time

	conflicts   int
	getErr      error
	listErr     error
	updateErr   error
	attempts    int
	updateCalls int
	reads       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		recipes: map[string]fakeRecipe{},
		reviews: map[string]map[string]any{},
		now:     func() time.Time { return time.Unix(1700001000, 0).UTC() },
	}
}

func (s *fakeStore) putRecipe(id string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipes[id] = fakeRecipe{stats: RecipeStats{RecipeID: recipes.RecipeID(id)}, fields: fields}
}

func (s *fakeStore) putReview(id string, document map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews[id] = document
}

func (s *fakeStore) deleteReview(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reviews, id)
}

func (s *fakeStore) recipe(id string) (fakeRecipe, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.recipes[id]
	return record, ok
}

func (s *fakeStore) RunInTransaction(ctx context.Context, work func(tx Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		s.attempts++
		tx := &fakeTransaction{store: s, pending: map[string]RecipeStats{}}
		if err := work(tx); err != nil {
			return err
		}
		if s.conflicts > 0 {
			s.conflicts--
			continue
		}
		for id, stats := range tx.pending {
			record := s.recipes[id]
			record.stats = stats
			s.recipes[id] = record
		}
		return nil
	}
}

type fakeTransaction struct {
	store   *fakeStore
	pending map[string]RecipeStats
}

func (t *fakeTransaction) GetRecipe(ctx context.Context, recipeID recipes.RecipeID) (RecipeStats, bool, error) {
	t.store.reads++
	if t.store.getErr != nil {
		return RecipeStats{}, false, t.store.getErr
	}
	record, ok := t.store.recipes[recipeID.String()]
	if !ok {
		return RecipeStats{}, false, nil
	}
	return record.stats, true, nil
}

func (t *fakeTransaction) ListReviewsByRecipe(ctx context.Context, recipeID recipes.RecipeID) ([]ReviewDocument, error) {
	if t.store.listErr != nil {
		return nil, t.store.listErr
	}
	var documents []ReviewDocument
	for id, fields := range t.store.reviews {
		if fields[reviews.FieldRecipeID] == recipeID.String() {
			documents = append(documents, ReviewDocument{ReviewID: id, Fields: fields})
		}
	}
	sort.Slice(documents, func(i, j int) bool { return documents[i].ReviewID < documents[j].ReviewID })
	return documents, nil
}

func (t *fakeTransaction) UpdateRecipeStats(ctx context.Context, recipeID recipes.RecipeID, averageRating float64, reviewCount int64) (time.Time, error) {
	t.store.updateCalls++
	if t.store.updateErr != nil {
		return time.Time{}, t.store.updateErr
	}
	updatedAt := t.store.now()
	t.pending[recipeID.String()] = RecipeStats{
		RecipeID:      recipeID,
		AverageRating: averageRating,
		ReviewCount:   reviewCount,
		UpdatedAt:     updatedAt,
	}
	return updatedAt, nil
}
