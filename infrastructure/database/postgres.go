package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	_ "github.com/lib/pq"

	"rinha-payment-router/infrastructure/config"
)

func NewPostgres(cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.User == "" || cfg.Password == "" || cfg.Name == "" || cfg.Hostname == "" || cfg.Port == "" {
		return nil, errors.New("all database settings must be set")
	}

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Hostname, cfg.Port, cfg.User, cfg.Password, cfg.Name,
	)
	return OpenPostgres(connStr)
}

// OpenPostgres opens and pings a pool for a lib/pq connection string or URL.
func OpenPostgres(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(time.Second * 15)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("Connected to PostgreSQL!")

	return db, nil
}
