package tracker

import (
	"context"
	"fmt"
	"strings"

	"github.com/jrpool/rallytree-sub000/internal/model"
)

// NormalizeByName resolves a display name to a reference through a name-keyed
// query, taking the single best match. A blank name yields the empty
// reference without a call; absence is not an error there.
func NormalizeByName(ctx context.Context, api API, itemType string, name string) (model.Ref, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Ref{}, nil
	}
	refs, err := api.QueryByName(ctx, itemType, name)
	if err != nil {
		return model.Ref{}, fmt.Errorf("looking up %s %q: %w", itemType, name, err)
	}
	if len(refs) == 0 {
		return model.Ref{}, fmt.Errorf("no %s named %q", itemType, name)
	}
	return refs[0], nil
}
