package db

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"cleanbox/pkg/config"
)

func TestDescribe(t *testing.T) {
	tests := []struct {
		sql   string
		op    string
		table string
	}{
		{"SELECT id FROM jobs WHERE id = $1", "select", "jobs"},
		{"\n  INSERT INTO unsubscribe_tasks (a) VALUES ($1)", "insert", "unsubscribe_tasks"},
		{"UPDATE mailbox_accounts SET x = 1", "update", "mailbox_accounts"},
		{"DELETE FROM jobs WHERE id IN (SELECT id FROM ranked)", "delete", "jobs"},
		{"BEGIN", "begin", "unknown"},
		{"", "unknown", "unknown"},
	}
	for _, tt := range tests {
		op, table := describe(tt.sql)
		assert.Equal(t, tt.op, op, tt.sql)
		assert.Equal(t, tt.table, table, tt.sql)
	}
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/cleanbox?sslmode=disable",
		DSN(config.DBConfig{User: "u", Password: "p", Host: "db", Port: 5432, Name: "cleanbox"}))
	assert.Equal(t, "postgres://u:p@db:5432/cleanbox?sslmode=require",
		DSN(config.DBConfig{User: "u", Password: "p", Host: "db", Port: 5432, Name: "cleanbox", SSLMode: "require"}))
}
