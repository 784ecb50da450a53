package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"ms-admission/internal/config"
	"ms-admission/internal/database/migrations"
	"ms-admission/internal/logger"
)

func main() {
	down := flag.Bool("down", false, "roll back every migration")
	to := flag.Uint("to", 0, "migrate up or down to this version")
	seed := flag.Bool("seed", false, "also apply seed data")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.NewLoggerWithOutput(os.Stdout)
	log.SetLevel(cfg.LogLevel)

	sqldb, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatal("MIGRATE", fmt.Sprintf("Failed to open database: %v", err))
	}
	if err := sqldb.Ping(); err != nil {
		log.Fatal("MIGRATE", fmt.Sprintf("Failed to connect to database: %v", err))
	}

	runner := migrations.NewRunner(sqldb, migrations.MigrateOptions{SeedData: *seed || cfg.Database.SeedData}, log)
	defer runner.Close()

	switch {
	case *down:
		err = runner.MigrateDown()
	case *to > 0:
		err = runner.MigrateTo(*to)
	default:
		err = runner.RunMigrations()
	}
	if err != nil {
		log.Fatal("MIGRATE", err.Error())
	}
	log.Info("MIGRATE", "Done")
}
