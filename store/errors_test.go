package store_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/use-agent/harvester/models"
	"github.com/use-agent/harvester/store"
	"github.com/use-agent/harvester/store/storetest"
)

func TestIsUnavailableErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", fmt.Errorf("store: get job: %w", driver.ErrBadConn), true},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{"duplicate", errors.New("UNIQUE constraint failed: jobs.id"), false},
		{"not found", models.ErrJobNotFound, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, store.IsUnavailableErr(tc.err))
		})
	}
}

func TestClosedDatabaseIsUnavailable(t *testing.T) {
	db := storetest.Open(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = store.NewJobs(db).Get(context.Background(), "job-1")
	require.Error(t, err)

	wrapped := store.Unavailable(err)
	assert.Equal(t, models.ErrCodeStoreUnavailable, models.CodeOf(wrapped))
	assert.ErrorIs(t, wrapped, err)
	assert.Equal(t, models.ErrJobNotFound, store.Unavailable(models.ErrJobNotFound))
}
