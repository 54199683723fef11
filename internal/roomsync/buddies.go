package roomsync

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/npezzotti/go-uzzap/internal/database"
	"github.com/npezzotti/go-uzzap/internal/types"
)

// SearchLimit caps the number of profiles returned by a buddy search.
const SearchLimit = 10

type Buddies struct {
	repo     database.Repository
	notifier Notifier
	log      *log.Logger
}

func NewBuddies(repo database.Repository, notifier Notifier, logger *log.Logger) *Buddies {
	return &Buddies{repo: repo, notifier: notifier, log: logger}
}

// Search looks up profiles whose username contains query, ignoring case.
func (b *Buddies) Search(ctx context.Context, query string) ([]types.Buddy, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		b.notifier.Notify(Notification{
			Title:       titleError,
			Description: "Please enter a username to search",
			Variant:     VariantDestructive,
			Kind:        KindInvalid,
			Err:         ErrInvalid,
		})
		return nil, fmt.Errorf("search buddies: %w: empty query", ErrInvalid)
	}

	profiles, err := b.repo.SearchProfiles(ctx, query, SearchLimit)
	if err != nil {
		b.log.Printf("search profiles %q: %v", query, err)
		b.notifier.Notify(failure("Failed to search for users. Please try again.", err))
		return nil, fmt.Errorf("search buddies: %w", err)
	}

	buddies := make([]types.Buddy, 0, len(profiles))
	for _, p := range profiles {
		p.Status = types.ParseStatus(string(p.Status))
		buddies = append(buddies, types.Buddy{Profile: p})
	}
	if len(buddies) == 0 {
		b.notifier.Notify(info("No results", "No users found matching your search."))
	}
	return buddies, nil
}

// Filter keeps buddies whose username contains query, ignoring case.
func (b *Buddies) Filter(buddies []types.Buddy, query string) []types.Buddy {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]types.Buddy, 0, len(buddies))
	for _, bd := range buddies {
		if q == "" || strings.Contains(strings.ToLower(bd.Username), q) {
			out = append(out, bd)
		}
	}
	return out
}

// ApplyPresence shows a buddy as online when their username is in the
// presence snapshot. The input is not modified.
func (b *Buddies) ApplyPresence(buddies []types.Buddy, online []types.Presence) []types.Buddy {
	present := make(map[string]bool, len(online))
	for _, p := range online {
		present[p.Username] = true
	}

	out := make([]types.Buddy, len(buddies))
	for i, bd := range buddies {
		if present[bd.Username] {
			bd.Status = types.StatusOnline
		}
		out[i] = bd
	}
	return out
}
