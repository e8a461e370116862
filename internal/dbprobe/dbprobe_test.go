package dbprobe

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestProbeReportsFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT NOW").WillReturnError(context.DeadlineExceeded)

	var gotErr error
	p := New(db, nil, func(e error) { gotErr = e })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.probe(ctx)

	require.Error(t, gotErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProbeSucceeds(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT NOW").
		WillReturnRows(sqlmock.NewRows([]string{"now", "version"}).AddRow("2026-07-31", "8.0.36"))

	called := false
	p := New(db, nil, func(e error) { called = true })
	p.probe(context.Background())

	require.False(t, called)
	require.NoError(t, mock.ExpectationsWereMet())
}
