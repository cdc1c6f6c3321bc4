package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/portal-auth/records"
)

var created = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func scanInto(values []any, dest []any) error {
	if len(values) != len(dest) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *int64:
			*p = values[i].(int64)
		case *string:
			*p = values[i].(string)
		case *[]byte:
			*p = values[i].([]byte)
		case *time.Time:
			*p = values[i].(time.Time)
		default:
			return errors.New("unsupported destination")
		}
	}
	return nil
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(r.values, dest)
}

type fakeRows struct {
	data [][]any
	pos  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.data[r.pos-1], nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return scanInto(r.data[r.pos-1], dest)
}

type fakeDB struct {
	rows     *fakeRows
	queryErr error
	row      fakeRow
	tag      pgconn.CommandTag
	lastSQL  string
	lastArgs []any
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.lastSQL, f.lastArgs = sql, args
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.rows, nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.lastSQL, f.lastArgs = sql, args
	return f.row
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastSQL, f.lastArgs = sql, args
	return f.tag, nil
}

func TestSource_List(t *testing.T) {
	db := &fakeDB{rows: &fakeRows{data: [][]any{
		{int64(1), int64(5), []byte{0x01}, records.StatusNew, created},
		{int64(2), int64(5), []byte{0x02}, records.StatusDone, created},
	}}}
	src := NewSource(db)

	tenant := int64(5)
	got, err := src.List(context.Background(), &tenant)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[1].ID)
	assert.Equal(t, records.StatusDone, got[1].Status)
	assert.Equal(t, listTenant, db.lastSQL)
	assert.Equal(t, []any{int64(5)}, db.lastArgs)

	db.rows = &fakeRows{}
	_, err = src.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, listAll, db.lastSQL)
}

func TestSource_ListErrors(t *testing.T) {
	_, err := NewSource(&fakeDB{queryErr: errors.New("db down")}).List(context.Background(), nil)
	assert.Error(t, err)

	_, err = NewSource(&fakeDB{rows: &fakeRows{err: errors.New("stream broken")}}).List(context.Background(), nil)
	assert.ErrorContains(t, err, "stream broken")
}

func TestSource_Get(t *testing.T) {
	db := &fakeDB{row: fakeRow{values: []any{int64(3), int64(7), []byte("ct"), records.StatusNew, created}}}

	rec, err := NewSource(db).Get(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.TenantID)
	assert.Equal(t, []byte("ct"), rec.Ciphertext)

	_, err = NewSource(&fakeDB{row: fakeRow{err: pgx.ErrNoRows}}).Get(context.Background(), 3)
	assert.ErrorIs(t, err, records.ErrRecordNotFound)
}

func TestSource_UpdateAndDelete(t *testing.T) {
	db := &fakeDB{tag: pgconn.NewCommandTag("UPDATE 1")}
	src := NewSource(db)
	require.NoError(t, src.UpdateStatus(context.Background(), 3, records.StatusDone))
	assert.Equal(t, []any{int64(3), records.StatusDone}, db.lastArgs)

	db.tag = pgconn.NewCommandTag("DELETE 0")
	assert.ErrorIs(t, src.Delete(context.Background(), 3), records.ErrRecordNotFound)
}

func TestSource_Insert(t *testing.T) {
	db := &fakeDB{row: fakeRow{values: []any{int64(11), created}}}
	rec := &records.Record{TenantID: 5, Ciphertext: []byte("ct")}

	require.NoError(t, NewSource(db).Insert(context.Background(), rec))
	assert.Equal(t, int64(11), rec.ID)
	assert.Equal(t, records.StatusNew, rec.Status)
	assert.True(t, rec.CreatedAt.Equal(created))
}
