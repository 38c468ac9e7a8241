// Package history exposes tree observation history partitioned by calendar
// year, merging server records with entries captured offline.
package history

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/olivetrack/fieldsync/internal/client"
	"github.com/olivetrack/fieldsync/internal/merge"
	"github.com/olivetrack/fieldsync/internal/models"
)

// Service reads and shapes tree history.
type Service struct {
	client *client.Client
	log    zerolog.Logger
}

// NewService creates a history Service on top of the API client.
func NewService(c *client.Client, log zerolog.Logger) *Service {
	return &Service{
		client: c,
		log:    log.With().Str("component", "history").Logger(),
	}
}

// AvailableYears returns the years a tree has observations for, newest
// first. Years present only in pending offline entries are included.
func (s *Service) AvailableYears(ctx context.Context, treeID string) ([]int, error) {
	res, err := s.client.TreeHistory(ctx, treeID, 0)
	if err != nil {
		return nil, err
	}

	years := make(map[int]bool)
	if res.Success {
		byYear, listed := normalize(res.Data)
		for y := range byYear {
			years[y] = true
		}
		for _, y := range listed {
			years[y] = true
		}
	}

	local, err := s.client.LocalHistory(treeID)
	if err != nil {
		return nil, err
	}
	for _, e := range local {
		years[entryYear(e)] = true
	}

	out := make([]int, 0, len(years))
	for y := range years {
		out = append(out, y)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out, nil
}

// ForYear returns a tree's observations for one year, newest first, with
// pending offline entries folded in.
func (s *Service) ForYear(ctx context.Context, treeID string, year int) ([]*models.HistoryEntry, error) {
	res, err := s.client.TreeHistory(ctx, treeID, year)
	if err != nil {
		return nil, err
	}

	var server []*models.HistoryEntry
	if res.Success {
		byYear, _ := normalize(res.Data)
		server = byYear[year]
	}

	local, err := s.client.LocalHistory(treeID)
	if err != nil {
		return nil, err
	}
	var pending []*models.HistoryEntry
	for _, e := range local {
		if entryYear(e) == year {
			pending = append(pending, e)
		}
	}

	entries := merge.Entities(server, pending)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp > entries[j].Timestamp
	})
	return entries, nil
}

// normalize accepts the shapes the backend has served over time: a flat
// entry array, a year-keyed object of entry arrays, or {"years": [...]}.
// It returns entries grouped by year plus any years listed without entries.
func normalize(raw json.RawMessage) (map[int][]*models.HistoryEntry, []int) {
	byYear := make(map[int][]*models.HistoryEntry)
	if len(raw) == 0 {
		return byYear, nil
	}

	var flat []*models.HistoryEntry
	if err := json.Unmarshal(raw, &flat); err == nil {
		for _, e := range flat {
			y := entryYear(e)
			byYear[y] = append(byYear[y], e)
		}
		return byYear, nil
	}

	var keyed map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keyed); err != nil {
		return byYear, nil
	}

	if yearsRaw, ok := keyed["years"]; ok {
		var years []int
		if err := json.Unmarshal(yearsRaw, &years); err == nil {
			return byYear, years
		}
	}

	for key, entriesRaw := range keyed {
		year, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		var entries []*models.HistoryEntry
		if err := json.Unmarshal(entriesRaw, &entries); err != nil {
			continue
		}
		byYear[year] = append(byYear[year], entries...)
	}
	return byYear, nil
}

// entryYear resolves an entry's year from its date, falling back to its
// capture timestamp and finally the current year.
func entryYear(e *models.HistoryEntry) int {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, e.Date); err == nil {
			return t.Year()
		}
	}
	if e.Timestamp > 0 {
		return time.UnixMilli(e.Timestamp).Year()
	}
	return time.Now().Year()
}
