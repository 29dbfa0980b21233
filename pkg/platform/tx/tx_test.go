package tx

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromEmptyContext(t *testing.T) {
	got, ok := From(context.Background())
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestWithNilTxLeavesContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, WithTx(ctx, nil))
}

func TestWithTxRoundTrip(t *testing.T) {
	tx := &sql.Tx{}
	got, ok := From(WithTx(context.Background(), tx))
	assert.True(t, ok)
	assert.Same(t, tx, got)
}

func TestExecFallsBackToDB(t *testing.T) {
	db := &sql.DB{}
	assert.Same(t, db, Exec(context.Background(), db))

	tx := &sql.Tx{}
	assert.Same(t, tx, Exec(WithTx(context.Background(), tx), db))
}
