package csvio

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/vango-go/voice-orchestrator/pkg/gateway/auth"
	"github.com/vango-go/voice-orchestrator/pkg/store"
)

type ImportResult struct {
	Created []string   `json:"created"`
	Updated []string   `json:"updated"`
	Errors  []RowError `json:"errors"`
}

// Importer applies a parsed file to a store on behalf of an admin.
type Importer struct {
	Store store.Store
	// ActorID is the admin running the import; their own row may not lock or
	// demote them.
	ActorID int64
	// Hash defaults to auth.HashPassword.
	Hash func(string) (string, error)
}

// Import applies every row independently. Only a malformed header or a read
// failure aborts the whole import.
func (im Importer) Import(ctx context.Context, r io.Reader) (ImportResult, error) {
	rows, bad, err := Parse(r)
	if err != nil {
		return ImportResult{}, err
	}
	res := ImportResult{Created: []string{}, Updated: []string{}, Errors: bad}
	if res.Errors == nil {
		res.Errors = []RowError{}
	}
	seen := make(map[string]int, len(rows))
	for _, row := range rows {
		if first, dup := seen[row.Username]; dup {
			res.Errors = append(res.Errors, RowError{
				Line: row.Line, Username: row.Username,
				Message: fmt.Sprintf("duplicate of line %d", first),
			})
			continue
		}
		seen[row.Username] = row.Line

		created, err := im.apply(ctx, row)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Errors = append(res.Errors, RowError{Line: row.Line, Username: row.Username, Message: err.Error()})
			continue
		}
		if created {
			res.Created = append(res.Created, row.Username)
		} else {
			res.Updated = append(res.Updated, row.Username)
		}
	}
	return res, nil
}

func (im Importer) hash(pw string) (string, error) {
	if im.Hash != nil {
		return im.Hash(pw)
	}
	return auth.HashPassword(pw)
}

func (im Importer) apply(ctx context.Context, row Row) (bool, error) {
	existing, err := im.Store.GetUserByUsername(ctx, row.Username)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return true, im.create(ctx, row)
	case err != nil:
		return false, err
	}
	return false, im.update(ctx, existing, row)
}

func (im Importer) create(ctx context.Context, row Row) error {
	if !row.Has(ColPassword) {
		return fmt.Errorf("password is required for new users")
	}
	hash, err := im.hash(row.Password)
	if err != nil {
		return err
	}
	u, err := im.Store.CreateUser(ctx, row.Username, hash, row.IsAdmin)
	if err != nil {
		return err
	}
	if row.IsLocked {
		locked := true
		if _, err := im.Store.UpdateUser(ctx, u.ID, store.UserPatch{IsLocked: &locked}); err != nil {
			return err
		}
	}
	if row.hasConfig() {
		cfg := row.MergeConfig(store.UserConfig{})
		cfg.UserID = u.ID
		return im.Store.PutConfig(ctx, cfg)
	}
	return nil
}

func (im Importer) update(ctx context.Context, u store.User, row Row) error {
	var patch store.UserPatch
	if row.Has(ColPassword) {
		hash, err := im.hash(row.Password)
		if err != nil {
			return err
		}
		patch.PasswordHash = &hash
	}
	if row.Has(ColIsAdmin) && row.IsAdmin != u.IsAdmin {
		if u.ID == im.ActorID && !row.IsAdmin {
			return fmt.Errorf("cannot remove your own admin rights")
		}
		v := row.IsAdmin
		patch.IsAdmin = &v
	}
	if row.Has(ColIsLocked) && row.IsLocked != u.IsLocked {
		if u.ID == im.ActorID && row.IsLocked {
			return fmt.Errorf("cannot lock your own account")
		}
		v := row.IsLocked
		patch.IsLocked = &v
	}
	if !patch.Empty() {
		if _, err := im.Store.UpdateUser(ctx, u.ID, patch); err != nil {
			return err
		}
	}
	if row.hasConfig() {
		base, err := im.Store.GetConfig(ctx, u.ID)
		if err != nil {
			return err
		}
		cfg := row.MergeConfig(base)
		cfg.UserID = u.ID
		return im.Store.PutConfig(ctx, cfg)
	}
	return nil
}
