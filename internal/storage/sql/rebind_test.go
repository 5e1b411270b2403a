package sql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchtower-client/retryd/internal/tower"
)

func TestStore_Rebind_SQLite(t *testing.T) {
	s := &Store{driver: "sqlite"}
	query := `SELECT * FROM towers WHERE id = ? AND status = ?`
	assert.Equal(t, query, s.rebind(query))
}

func TestStore_Rebind_Postgres(t *testing.T) {
	s := &Store{driver: "pgx"}
	query := `SELECT * FROM towers WHERE id = ? AND status = ?`
	assert.Equal(t, `SELECT * FROM towers WHERE id = $1 AND status = $2`, s.rebind(query))
}

func TestStore_Placeholder(t *testing.T) {
	pg := &Store{driver: "pgx"}
	assert.Equal(t, "$1", pg.placeholder(1))
	assert.Equal(t, "$2", pg.placeholder(2))

	lite := &Store{driver: "sqlite"}
	assert.Equal(t, "?", lite.placeholder(1))
}

func TestParseTowerStatus(t *testing.T) {
	status, err := parseTowerStatus("reachable", nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, status.IsReachable())

	status, err = parseTowerStatus("temporary_unreachable", nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, status.IsTemporaryUnreachable())

	status, err = parseTowerStatus("unreachable", nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, status.IsUnreachable())

	status, err = parseTowerStatus("subscription_error", nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, status.IsSubscriptionError())

	_, err = parseTowerStatus("bogus", nil, nil, nil)
	assert.Error(t, err)
}

func TestParseTowerStatus_Misbehaving(t *testing.T) {
	l := tower.Locator{9}
	status, err := parseTowerStatus("misbehaving", l[:], []byte("body"), []byte("bad-sig"))
	require.NoError(t, err)
	require.True(t, status.IsMisbehaving())

	proof := status.MisbehaviorProof()
	require.NotNil(t, proof)
	assert.Equal(t, l, proof.Locator)
	assert.Equal(t, []byte("body"), proof.Appointment.Encoded)
	assert.Equal(t, []byte("bad-sig"), proof.Signature)
}
