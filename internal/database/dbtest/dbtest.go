// Package dbtest opens throwaway SQLite databases with the full schema for tests.
package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"hash/crc32"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"

	"ms-admission/internal/models"
	orderdb "ms-admission/internal/order/db"
)

// Open returns a private in-memory database. A single connection keeps
// concurrent callers serialized the way row locks would on Postgres.
func Open(t *testing.T) *bun.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("Failed to connect to in-memory database: %v", err)
	}
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	if err := orderdb.CreateSchema(context.Background(), bunDB); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	t.Cleanup(func() { bunDB.Close() })
	return bunDB
}

// SeedTicketType inserts an enabled ticket type with the given price.
func SeedTicketType(t *testing.T, bunDB *bun.DB, name string, price int64, enabled bool) *models.TicketType {
	t.Helper()
	tt := &models.TicketType{Name: name, Price: price, Enabled: enabled, Category: models.CategoryExternal}
	if _, err := bunDB.NewInsert().Model(tt).Exec(context.Background()); err != nil {
		t.Fatalf("Failed to seed ticket type: %v", err)
	}
	return tt
}

// SeedOrder inserts an order with n tickets in ticketStatus. Amounts follow unit price 150000.
func SeedOrder(t *testing.T, bunDB *bun.DB, number, orderStatus string, n int, ticketStatus string) *models.Order {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	tt := SeedTicketType(t, bunDB, "Seed "+number, 150000, true)
	o := &models.Order{
		OrderNumber:    number,
		BuyerName:      "Buyer " + number,
		BuyerEmail:     number + "@example.com",
		BuyerPhone:     fmt.Sprintf("08%09d", crc32.ChecksumIEEE([]byte(number))%1000000000),
		TicketTypeID:   tt.ID,
		Category:       models.CategoryExternal,
		TicketQuantity: n,
		UnitPrice:      150000,
		Amount:         150000 * int64(n),
		FinalAmount:    150000 * int64(n),
		Status:         orderStatus,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := bunDB.NewInsert().Model(o).Exec(ctx); err != nil {
		t.Fatalf("Failed to seed order: %v", err)
	}
	for i := 1; i <= n; i++ {
		ticket := &models.Ticket{
			OrderID:    o.ID,
			TicketCode: fmt.Sprintf("TKT-%s-%03d-SEED%02d", number, i, i),
			Seq:        i,
			Status:     ticketStatus,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if _, err := bunDB.NewInsert().Model(ticket).Exec(ctx); err != nil {
			t.Fatalf("Failed to seed ticket: %v", err)
		}
	}
	return o
}
