package auth

import (
	"context"
	"testing"

	"github.com/hatlonely/sqlgate/errs"
	"github.com/hatlonely/sqlgate/rdb/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProvider(t *testing.T) {
	p, err := NewStaticProviderWithOptions(&Options{
		RequireUser: true,
		Rules: []Rule{
			{Table: "audit_*", Verbs: []string{"post", "put", "delete"}, Deny: true},
			{Table: "orders", Filter: `[{"field":"owner","operator":"=","value":"{user_id}"}]`},
			{Table: "notes", Verbs: []string{"GET"}, Filter: "owner = {user_id} OR shared = 1"},
		},
	})
	require.NoError(t, err)

	anonymous := context.Background()
	user := WithUserID(anonymous, int64(7))

	t.Run("authorize", func(t *testing.T) {
		assert.Equal(t, errs.KindUnauthorized, errs.KindOf(p.Authorize(anonymous, "GET", "orders")))
		assert.NoError(t, p.Authorize(user, "GET", "orders"))
		assert.NoError(t, p.Authorize(user, "GET", "audit_log"))
		assert.Equal(t, errs.KindForbidden, errs.KindOf(p.Authorize(user, "DELETE", "audit_log")))
	})

	t.Run("server filter binds the current user", func(t *testing.T) {
		f, err := p.ServerFilter(user, "PUT", "orders")
		require.NoError(t, err)
		assert.Equal(t, []query.Condition{{Field: "owner", Operator: "=", Value: int64(7)}}, f.Conditions)

		f, err = p.ServerFilter(user, "GET", "notes")
		require.NoError(t, err)
		assert.Equal(t, "owner = :current_user_id OR shared = 1", f.Literal)
		assert.Equal(t, int64(7), f.Named["current_user_id"])

		f, err = p.ServerFilter(user, "POST", "notes")
		require.NoError(t, err)
		assert.Nil(t, f)

		_, err = p.ServerFilter(anonymous, "GET", "orders")
		assert.Equal(t, errs.KindUnauthorized, errs.KindOf(err))
	})

	t.Run("invalid rules", func(t *testing.T) {
		_, err := NewStaticProviderWithOptions(&Options{Rules: []Rule{{Table: "[", Filter: ""}}})
		assert.Error(t, err)
		_, err = NewStaticProviderWithOptions(&Options{Rules: []Rule{{Table: "t", Filter: "[{"}}})
		assert.Error(t, err)
	})

	t.Run("allow all", func(t *testing.T) {
		var a Provider = AllowAll{}
		assert.NoError(t, a.Authorize(anonymous, "DELETE", "anything"))
		id, ok := a.CurrentUserID(user)
		assert.True(t, ok)
		assert.Equal(t, int64(7), id)
	})
}
