package roomsync

import (
	"context"
	"fmt"
	"testing"

	"github.com/npezzotti/go-uzzap/internal/database"
	"github.com/npezzotti/go-uzzap/internal/testutil"
	"github.com/npezzotti/go-uzzap/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func buddy(name string, status types.Status) types.Buddy {
	return types.Buddy{Profile: types.Profile{Id: "id-" + name, Username: name, Status: status}}
}

func usernames(buddies []types.Buddy) []string {
	out := make([]string, 0, len(buddies))
	for _, b := range buddies {
		out = append(out, b.Username)
	}
	return out
}

func TestSearch(t *testing.T) {
	tcases := []struct {
		name      string
		query     string
		profiles  []types.Profile
		err       error
		wantNames []string
		wantErr   bool
		wantNote  Notification
	}{
		{
			name:    "blank query",
			query:   "  ",
			wantErr: true,
			wantNote: Notification{
				Title:       "Error",
				Description: "Please enter a username to search",
				Variant:     VariantDestructive,
				Kind:        KindInvalid,
			},
		},
		{
			name:  "results",
			query: "neo",
			profiles: []types.Profile{
				{Id: "1", Username: "neo", Status: types.StatusBusy},
				{Id: "2", Username: "neon", Status: "sleeping"},
			},
			wantNames: []string{"neo", "neon"},
		},
		{
			name:      "no results",
			query:     "zzz",
			profiles:  []types.Profile{},
			wantNames: []string{},
			wantNote: Notification{
				Title:       "No results",
				Description: "No users found matching your search.",
				Variant:     VariantDefault,
			},
		},
		{
			name:    "failure",
			query:   "neo",
			err:     fmt.Errorf("do request: %w", database.ErrNetwork),
			wantErr: true,
			wantNote: Notification{
				Title:       "Error",
				Description: "Failed to search for users. Please try again.",
				Variant:     VariantDestructive,
				Kind:        KindNetwork,
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &database.MockRepository{}
			repo.On("SearchProfiles", mock.Anything, mock.Anything, SearchLimit).Return(tc.profiles, tc.err)
			notes := &recorder{}
			b := NewBuddies(repo, notes, testutil.TestLogger(t))

			got, err := b.Search(context.Background(), tc.query)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.wantNames, usernames(got))
			}

			if tc.wantNote.Description == "" {
				assert.Empty(t, notes.all())
			} else {
				all := notes.all()
				require.Len(t, all, 1)
				all[0].Err = nil
				assert.Equal(t, tc.wantNote, all[0])
			}

			if tc.query == "  " {
				repo.AssertNotCalled(t, "SearchProfiles", mock.Anything, mock.Anything, mock.Anything)
			} else {
				repo.AssertCalled(t, "SearchProfiles", mock.Anything, tc.query, SearchLimit)
			}
		})
	}
}

func TestSearchNormalizesStatus(t *testing.T) {
	repo := &database.MockRepository{}
	repo.On("SearchProfiles", mock.Anything, "neo", SearchLimit).
		Return([]types.Profile{{Id: "2", Username: "neon", Status: "sleeping"}}, nil)
	b := NewBuddies(repo, &recorder{}, testutil.TestLogger(t))

	got, err := b.Search(context.Background(), " neo ")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.StatusOffline, got[0].Status)
}

func TestFilterBuddies(t *testing.T) {
	b := NewBuddies(&database.MockRepository{}, &recorder{}, testutil.TestLogger(t))
	list := []types.Buddy{buddy("Neo", types.StatusOnline), buddy("trinity", types.StatusAway), buddy("morpheus", types.StatusOffline)}

	tcases := []struct {
		query string
		want  []string
	}{
		{query: "", want: []string{"Neo", "trinity", "morpheus"}},
		{query: "NEO", want: []string{"Neo"}},
		{query: "r", want: []string{"trinity", "morpheus"}},
		{query: "smith", want: []string{}},
	}

	for _, tc := range tcases {
		t.Run(tc.query, func(t *testing.T) {
			assert.Equal(t, tc.want, usernames(b.Filter(list, tc.query)))
		})
	}
}

func TestApplyPresence(t *testing.T) {
	b := NewBuddies(&database.MockRepository{}, &recorder{}, testutil.TestLogger(t))
	list := []types.Buddy{buddy("neo", types.StatusOffline), buddy("trinity", types.StatusAway)}

	got := b.ApplyPresence(list, []types.Presence{{UserId: "x", Username: "neo"}})
	assert.Equal(t, types.StatusOnline, got[0].Status)
	assert.Equal(t, types.StatusAway, got[1].Status)
	assert.Equal(t, types.StatusOffline, list[0].Status, "expected input to be left untouched")
}
