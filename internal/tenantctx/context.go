// Package tenantctx propagates the owning school through context.
// Tenant resolution itself lives upstream; every ledger query is scoped
// by the id carried here.
package tenantctx

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type keyType string

const schoolIDKey keyType = "school_id"

func WithSchoolID(ctx context.Context, id snowflake.ID) context.Context {
	return context.WithValue(ctx, schoolIDKey, id)
}

func SchoolID(ctx context.Context) (snowflake.ID, bool) {
	id, ok := ctx.Value(schoolIDKey).(snowflake.ID)
	if !ok || id == 0 {
		return 0, false
	}
	return id, true
}
