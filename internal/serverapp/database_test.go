package serverapp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cytoid-graphql/internal/config"
)

func TestWaitForDatabase_RetriesUntilPingSucceeds(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	mock.ExpectPing()

	err = waitForDatabase(context.Background(), config.DatabaseConfig{
		ConnectionTimeout:       5 * time.Second,
		ConnectionRetryInterval: time.Millisecond,
	}, testLogger(), db)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitForDatabase_ZeroTimeoutTriesOnce(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	err = waitForDatabase(context.Background(), config.DatabaseConfig{}, testLogger(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

type failingPinger struct{ calls int }

func (p *failingPinger) PingContext(context.Context) error {
	p.calls++
	return errors.New("still starting")
}

func TestWaitForDatabase_GivesUpAfterTimeout(t *testing.T) {
	p := &failingPinger{}
	err := waitForDatabase(context.Background(), config.DatabaseConfig{
		ConnectionTimeout:       50 * time.Millisecond,
		ConnectionRetryInterval: 10 * time.Millisecond,
	}, testLogger(), p)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "database not available after 50ms")
	assert.Greater(t, p.calls, 1)
}

func TestRetryAttempts(t *testing.T) {
	tests := []struct {
		name     string
		timeout  time.Duration
		interval time.Duration
		expected uint
	}{
		{"no interval", time.Minute, 0, 1},
		{"interval longer than timeout", time.Second, 2 * time.Second, 1},
		{"doubling", 7 * time.Second, time.Second, 4},
		{"capped delay", 2 * time.Minute, 20 * time.Second, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, retryAttempts(tt.timeout, tt.interval))
		})
	}
}

func TestDBSystemAttribute(t *testing.T) {
	assert.Equal(t, "mysql", dbSystemAttribute(config.DatabaseConfig{Driver: "mysql"}).Value.AsString())
	assert.Equal(t, "postgresql", dbSystemAttribute(config.DatabaseConfig{Driver: "postgres"}).Value.AsString())
}
