package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPostgres(t *testing.T) {
	assert.True(t, IsPostgres(PGX))
	assert.False(t, IsPostgres(SQLite3))
	assert.False(t, IsPostgres("mysql"))
}

func TestNow(t *testing.T) {
	assert.Equal(t, "NOW()", Now(PGX))
	assert.Equal(t, "datetime('now')", Now(SQLite3))
}

func TestJSONExtract(t *testing.T) {
	assert.Equal(t, "metadata::jsonb->>'result'", JSONExtract(PGX, "metadata", "result"))
	assert.Equal(t, "json_extract(metadata, '$.result')", JSONExtract(SQLite3, "metadata", "result"))
}

func TestInsertIgnore(t *testing.T) {
	assert.Equal(t, "ON CONFLICT(id) DO NOTHING", InsertIgnore(SQLite3, "id"))
	assert.Equal(t, "ON CONFLICT(id) DO NOTHING", InsertIgnore(PGX, "id"))
}
