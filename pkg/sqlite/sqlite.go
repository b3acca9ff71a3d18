package sqlite

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

type Config struct {
	DSN          string `envconfig:"SQLITE_DSN" default:"file:slaq.db?_pragma=busy_timeout(5000)"`
	MaxOpenConns int    `envconfig:"SQLITE_MAX_OPEN_CONNS" default:"4"`
}

func (c *Config) New() (*sql.DB, error) {
	db, err := sql.Open("sqlite", c.DSN)
	if err != nil {
		return nil, err
	}
	if c.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

func (c *Config) MustNew() *sql.DB {
	db, err := c.New()
	if err != nil {
		panic(err)
	}

	return db
}
