package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/olivetrack/fieldsync/internal/merge"
	"github.com/olivetrack/fieldsync/internal/models"
	"github.com/olivetrack/fieldsync/internal/uuid"
)

// ProjectList is the merged project listing returned to the UI.
type ProjectList struct {
	Projects  []*models.Project
	Online    bool
	FromCache bool
}

// TreeList is the merged tree listing for one project.
type TreeList struct {
	Trees     []*models.Tree
	Online    bool
	FromCache bool
}

// Projects returns the user's projects: the server list (network or cache)
// merged with provisional projects created offline.
func (c *Client) Projects(ctx context.Context) (*ProjectList, error) {
	res, err := c.GetFresh(ctx, "/projects", c.listAge)
	if err != nil {
		return nil, err
	}

	var server []*models.Project
	if res.Success {
		if err := json.Unmarshal(res.Data, &server); err != nil {
			c.log.Warn().Err(err).Msg("unexpected projects payload")
		}
	}

	local, err := c.localProjects()
	if err != nil {
		return nil, err
	}

	return &ProjectList{
		Projects:  merge.Entities(server, local),
		Online:    res.Online,
		FromCache: res.FromCache,
	}, nil
}

// ProjectDetails returns one project by id, cache-backed offline.
func (c *Client) ProjectDetails(ctx context.Context, projectID string) (*models.Project, *Result, error) {
	if uuid.IsProvisional(projectID) {
		local, err := c.db.GetLocalEntity(projectID)
		if err != nil {
			return nil, nil, err
		}
		var p models.Project
		if err := json.Unmarshal(local.Payload, &p); err != nil {
			return nil, nil, fmt.Errorf("corrupt provisional project %s: %w", projectID, err)
		}
		return &p, &Result{Success: true, FromCache: true}, nil
	}

	res, err := c.GetFresh(ctx, "/projects/"+projectID, c.detailAge)
	if err != nil || !res.Success {
		return nil, res, err
	}

	var p models.Project
	if err := json.Unmarshal(res.Data, &p); err != nil {
		return nil, res, fmt.Errorf("unexpected project payload: %w", err)
	}
	return &p, res, nil
}

// ProjectTrees returns a project's trees merged with trees created offline
// for that project.
func (c *Client) ProjectTrees(ctx context.Context, projectID string) (*TreeList, error) {
	res, err := c.GetFresh(ctx, "/projects/"+projectID+"/trees", c.treesAge)
	if err != nil {
		return nil, err
	}

	var server []*models.Tree
	if res.Success {
		if err := json.Unmarshal(res.Data, &server); err != nil {
			c.log.Warn().Err(err).Msg("unexpected trees payload")
		}
	}

	local, err := c.localTrees(projectID)
	if err != nil {
		return nil, err
	}

	// A provisional tree confirmed since the last listing is a duplicate
	// now; drop its local copy for good.
	for _, t := range local {
		if merge.Confirmed(server, t.Identity()) {
			if err := c.db.DeleteLocalEntity(t.TempID); err != nil {
				c.log.Warn().Err(err).Str("temp_id", t.TempID).Msg("failed to drop confirmed tree")
			}
		}
	}

	return &TreeList{
		Trees:     merge.Entities(server, local),
		Online:    res.Online,
		FromCache: res.FromCache,
	}, nil
}

// ProjectMembers returns a project's member user records.
func (c *Client) ProjectMembers(ctx context.Context, projectID string) (*Result, error) {
	return c.GetFresh(ctx, "/projects/"+projectID+"/members", c.listAge)
}

// CreateProject creates a project, provisioning it locally when the call
// cannot reach the server.
func (c *Client) CreateProject(ctx context.Context, p *models.Project) (*Result, error) {
	if p.Identity() == "" {
		p.TempID = uuid.NewProvisional()
		p.IsPendingSync = true
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode project: %w", err)
	}

	res, err := c.Mutate(ctx, models.MethodCreate, "/projects", p.Identity(), payload)
	if err != nil {
		return nil, err
	}

	if res.Success && !res.Queued {
		// Server confirmed; adopt its id and refresh the listing next read.
		var created models.Project
		if err := json.Unmarshal(res.Data, &created); err == nil && created.ID != "" {
			p.ID = created.ID
			p.TempID = ""
			p.IsPendingSync = false
		}
		c.invalidateFor("/projects")
		return res, nil
	}

	if res.Queued {
		if err := c.saveProvisional(models.KindProject, p.TempID, "", p); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// CreateTree creates a tree in a project, provisioning it locally offline.
func (c *Client) CreateTree(ctx context.Context, t *models.Tree) (*Result, error) {
	if t.ProjectID == "" {
		return &Result{Success: false, Message: "tree requires a project id"}, nil
	}
	if t.Identity() == "" {
		t.TempID = uuid.NewProvisional()
		t.IsPendingSync = true
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tree: %w", err)
	}

	endpoint := "/projects/" + t.ProjectID + "/trees"
	res, err := c.Mutate(ctx, models.MethodCreate, endpoint, t.Identity(), payload)
	if err != nil {
		return nil, err
	}

	if res.Success && !res.Queued {
		var created models.Tree
		if err := json.Unmarshal(res.Data, &created); err == nil && created.ID != "" {
			t.ID = created.ID
			t.TempID = ""
			t.IsPendingSync = false
		}
		c.invalidateFor(endpoint)
		return res, nil
	}

	if res.Queued {
		if err := c.saveProvisional(models.KindTree, t.TempID, t.ProjectID, t); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// UpdateTree sends one field-edit update for a tree. Edits to provisional
// trees update the local copy; the queued create already carries the final
// state.
func (c *Client) UpdateTree(ctx context.Context, t *models.Tree) (*Result, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tree: %w", err)
	}

	if uuid.IsProvisional(t.Identity()) {
		if err := c.saveProvisional(models.KindTree, t.TempID, t.ProjectID, t); err != nil {
			return nil, err
		}
		return &Result{Success: true, Online: false, Queued: true}, nil
	}

	res, err := c.Mutate(ctx, models.MethodUpdate, "/trees/"+t.ID, t.ID, payload)
	if err != nil {
		return nil, err
	}
	if res.Success && !res.Queued {
		c.invalidateFor("/trees/" + t.ID)
	}
	return res, nil
}

// DeleteTree deletes a tree; deleting a provisional tree cancels its queued
// create instead of issuing a server call.
func (c *Client) DeleteTree(ctx context.Context, t *models.Tree) (*Result, error) {
	if uuid.IsProvisional(t.Identity()) {
		if err := c.queue.Remove(t.TempID); err != nil {
			return nil, err
		}
		if err := c.db.DeleteLocalEntity(t.TempID); err != nil {
			return nil, err
		}
		return &Result{Success: true, Online: false}, nil
	}

	res, err := c.Mutate(ctx, models.MethodDelete, "/trees/"+t.ID, t.ID, nil)
	if err != nil {
		return nil, err
	}
	if res.Success && !res.Queued {
		c.invalidateFor("/trees/" + t.ID)
	}
	return res, nil
}

// AddHistoryEntry records an observation for a tree, provisioning locally
// when offline.
func (c *Client) AddHistoryEntry(ctx context.Context, e *models.HistoryEntry) (*Result, error) {
	if e.TreeID == "" {
		return &Result{Success: false, Message: "history entry requires a tree id"}, nil
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Identity() == "" {
		e.TempID = uuid.NewProvisional()
		e.IsPendingSync = true
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode history entry: %w", err)
	}

	endpoint := "/trees/" + e.TreeID + "/history"
	res, err := c.Mutate(ctx, models.MethodCreate, endpoint, e.Identity(), payload)
	if err != nil {
		return nil, err
	}

	if res.Success && !res.Queued {
		e.IsPendingSync = false
		c.invalidateFor(endpoint)
		return res, nil
	}

	if res.Queued {
		if err := c.saveProvisional(models.KindHistory, e.TempID, e.TreeID, e); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// TreeHistory returns a tree's raw history payload (server or cache).
// Year-partitioned access lives in the history package.
func (c *Client) TreeHistory(ctx context.Context, treeID string, year int) (*Result, error) {
	endpoint := "/trees/" + treeID + "/history"
	if year > 0 {
		endpoint = fmt.Sprintf("%s?year=%d", endpoint, year)
	}
	return c.GetFresh(ctx, endpoint, c.listAge)
}

// DeleteHistoryEntry removes one observation, keyed by year and timestamp
// the way the backend partitions history.
func (c *Client) DeleteHistoryEntry(ctx context.Context, e *models.HistoryEntry) (*Result, error) {
	if uuid.IsProvisional(e.Identity()) {
		if err := c.queue.Remove(e.TempID); err != nil {
			return nil, err
		}
		if err := c.db.DeleteLocalEntity(e.TempID); err != nil {
			return nil, err
		}
		return &Result{Success: true, Online: false}, nil
	}

	year := yearOf(e.Date)
	endpoint := fmt.Sprintf("/trees/%s/history/%d/%d", e.TreeID, year, e.Timestamp)
	res, err := c.Mutate(ctx, models.MethodDelete, endpoint, e.Identity(), nil)
	if err != nil {
		return nil, err
	}
	if res.Success && !res.Queued {
		c.invalidateFor("/trees/" + e.TreeID + "/history")
	}
	return res, nil
}

// LocalHistory returns provisional history entries for a tree.
func (c *Client) LocalHistory(treeID string) ([]*models.HistoryEntry, error) {
	rows, err := c.db.ListLocalEntities(models.KindHistory, treeID)
	if err != nil {
		return nil, err
	}

	var out []*models.HistoryEntry
	for _, row := range rows {
		var e models.HistoryEntry
		if err := json.Unmarshal(row.Payload, &e); err != nil {
			c.log.Warn().Err(err).Str("temp_id", row.TempID).Msg("corrupt provisional history entry")
			continue
		}
		out = append(out, &e)
	}
	return out, nil
}

func (c *Client) localProjects() ([]*models.Project, error) {
	rows, err := c.db.ListLocalEntities(models.KindProject, "")
	if err != nil {
		return nil, err
	}

	var out []*models.Project
	for _, row := range rows {
		var p models.Project
		if err := json.Unmarshal(row.Payload, &p); err != nil {
			c.log.Warn().Err(err).Str("temp_id", row.TempID).Msg("corrupt provisional project")
			continue
		}
		out = append(out, &p)
	}
	return out, nil
}

func (c *Client) localTrees(projectID string) ([]*models.Tree, error) {
	rows, err := c.db.ListLocalEntities(models.KindTree, projectID)
	if err != nil {
		return nil, err
	}

	var out []*models.Tree
	for _, row := range rows {
		var t models.Tree
		if err := json.Unmarshal(row.Payload, &t); err != nil {
			c.log.Warn().Err(err).Str("temp_id", row.TempID).Msg("corrupt provisional tree")
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

func (c *Client) saveProvisional(kind models.EntityKind, tempID, parentID string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode provisional record: %w", err)
	}
	return c.db.SaveLocalEntity(&models.LocalEntity{
		TempID:   tempID,
		Kind:     kind,
		ParentID: parentID,
		Payload:  payload,
	})
}

// yearOf extracts the calendar year from a history entry date (RFC 3339 or
// bare YYYY-MM-DD); unparseable dates fall back to the current year.
func yearOf(date string) int {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, date); err == nil {
			return t.Year()
		}
	}
	return time.Now().Year()
}
