package roomsync

import (
	"sort"
	"strings"

	"github.com/npezzotti/go-uzzap/internal/region"
	"github.com/npezzotti/go-uzzap/internal/types"
)

type Tab string

const (
	TabPopular Tab = "popular"
	TabRecent  Tab = "recent"
	TabActive  Tab = "active"
	TabAll     Tab = "all"
)

// ParseTab maps unknown values to TabAll.
func ParseTab(s string) Tab {
	switch Tab(s) {
	case TabPopular, TabRecent, TabActive:
		return Tab(s)
	default:
		return TabAll
	}
}

// Group is one region bucket of the directory view.
type Group struct {
	Region   string            `json:"region"`
	Title    string            `json:"title"`
	Expanded bool              `json:"expanded"`
	Rooms    []types.RoomEntry `json:"rooms"`
}

// FilterRooms keeps entries whose name, province or region contains query,
// ignoring case. A blank query keeps everything.
func FilterRooms(entries []types.RoomEntry, query string) []types.RoomEntry {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]types.RoomEntry, 0, len(entries))
	for _, e := range entries {
		if q == "" ||
			strings.Contains(strings.ToLower(e.Name), q) ||
			strings.Contains(strings.ToLower(e.Province), q) ||
			strings.Contains(strings.ToLower(e.Region), q) {
			out = append(out, e)
		}
	}
	return out
}

// GroupRooms partitions entries into catalog-ordered region buckets
// followed by Other. Buckets without rooms are left out, except Other.
func GroupRooms(entries []types.RoomEntry) []Group {
	byRegion := make(map[string][]types.RoomEntry)
	for _, e := range entries {
		b := region.Bucket(e.Region)
		byRegion[b] = append(byRegion[b], e)
	}

	var groups []Group
	for _, r := range region.All() {
		rooms := byRegion[r.Code]
		if len(rooms) == 0 {
			continue
		}
		groups = append(groups, Group{Region: r.Code, Title: r.Title, Rooms: rooms})
	}
	groups = append(groups, Group{
		Region: region.Other,
		Title:  region.Title(region.Other),
		Rooms:  byRegion[region.Other],
	})
	return groups
}

// ByTab selects and orders entries for a directory tab. The input is not
// modified.
func ByTab(entries []types.RoomEntry, tab Tab) []types.RoomEntry {
	out := make([]types.RoomEntry, 0, len(entries))
	switch tab {
	case TabActive:
		for _, e := range entries {
			if e.HasActivity {
				out = append(out, e)
			}
		}
	case TabPopular:
		out = append(out, entries...)
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Participants > out[j].Participants
		})
	case TabRecent:
		out = append(out, entries...)
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i].LastMessageTime, out[j].LastMessageTime
			if a.IsZero() || b.IsZero() {
				return !a.IsZero() && b.IsZero()
			}
			return a.After(b)
		})
	default:
		out = append(out, entries...)
	}
	return out
}
