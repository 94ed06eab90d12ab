//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"eduvault-payments/internal/domain"
	"eduvault-payments/internal/domain/model"
	"eduvault-payments/internal/usecase"
)

func completedSub(id, subscriber, course string, year int, start time.Time) *model.Subscription {
	s, _ := model.NewPendingSubscription(id, model.EntitlementKey{SubscriberID: subscriber, CourseID: course, Year: year}, 100, "KES", "254700000000", 30*24*time.Hour, start, model.DisplayMetadata{})
	s.Status = model.SubscriptionStatusCompleted
	s.IsEntitled = true
	at := start
	s.CompletedAt = &at
	return s
}

func TestSubscriptionUseCase_GetStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewMockSubscriptionRepo()
	repo.Put(completedSub("s-1", "sub-1", "course-1", 2, fixedNow))
	clk := newTestClock(fixedNow.Add(36 * time.Hour))
	uc := usecase.NewSubscriptionUseCase(repo, clk.Now, newTestLogger())

	t.Run("should derive activity and days remaining", func(t *testing.T) {
		view, err := uc.GetStatus(ctx, "sub-1", "s-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !view.IsCurrentlyActive {
			t.Error("expected active")
		}
		// 28.5 days left rounds up.
		if view.DaysRemaining != 29 {
			t.Errorf("expected 29 days remaining, got %d", view.DaysRemaining)
		}
	})

	t.Run("should hide rows owned by someone else", func(t *testing.T) {
		if _, err := uc.GetStatus(ctx, "sub-2", "s-1"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("should report inactive once the window has closed", func(t *testing.T) {
		later := usecase.NewSubscriptionUseCase(repo, newTestClock(fixedNow.Add(31*24*time.Hour)).Now, newTestLogger())
		view, err := later.GetStatus(ctx, "sub-1", "s-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if view.IsCurrentlyActive || view.DaysRemaining != 0 {
			t.Errorf("expected inactive with 0 days, got %+v", view)
		}
		if !view.Subscription.IsEntitled {
			t.Error("GetStatus must not rely on or mutate the cached flag")
		}
	})
}

func TestSubscriptionUseCase_CheckEntitlement(t *testing.T) {
	ctx := context.Background()
	repo := NewMockSubscriptionRepo()
	repo.Put(completedSub("s-1", "sub-1", "course-1", 2, fixedNow))
	uc := usecase.NewSubscriptionUseCase(repo, newTestClock(fixedNow.Add(time.Hour)).Now, newTestLogger())

	cases := []struct {
		name    string
		course  string
		year    int
		want    bool
		wantErr bool
	}{
		{"active year", "course-1", 2, true, false},
		{"other year", "course-1", 3, false, false},
		{"other course", "course-2", 2, false, false},
		{"year out of range", "course-1", 9, false, true},
		{"missing course", "", 2, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ent, err := uc.CheckEntitlement(ctx, "sub-1", tc.course, tc.year)
			if tc.wantErr {
				if !errors.Is(err, domain.ErrInvalidArgument) {
					t.Fatalf("expected ErrInvalidArgument, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ent.HasSubscription != tc.want {
				t.Errorf("expected hasSubscription=%v, got %v", tc.want, ent.HasSubscription)
			}
			if tc.want && (ent.Details == nil || ent.Details.Subscription.ID != "s-1") {
				t.Errorf("expected details for s-1, got %+v", ent.Details)
			}
		})
	}
}

func TestSubscriptionUseCase_ClearLapsedEntitlements(t *testing.T) {
	ctx := context.Background()
	repo := NewMockSubscriptionRepo()
	repo.Put(completedSub("old", "sub-1", "course-1", 1, fixedNow.Add(-40*24*time.Hour)))
	repo.Put(completedSub("new", "sub-1", "course-1", 2, fixedNow))
	uc := usecase.NewSubscriptionUseCase(repo, newTestClock(fixedNow).Now, newTestLogger())

	n, err := uc.ClearLapsedEntitlements(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cleared row, got %d", n)
	}
	if repo.Get("old").IsEntitled {
		t.Error("expected lapsed row to lose is_entitled")
	}
	if !repo.Get("new").IsEntitled {
		t.Error("expected current row to keep is_entitled")
	}
	if repo.Get("old").Status != model.SubscriptionStatusCompleted {
		t.Error("clearing the flag must not change status")
	}
}
