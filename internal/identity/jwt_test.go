package identity

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/psds-microservice/helpdesk-service/internal/errs"
	"github.com/psds-microservice/helpdesk-service/internal/model"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var secret = []byte("test-secret")

func newDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&model.User{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func TestAuthenticate(t *testing.T) {
	db := newDB(t)
	u := model.User{Email: "agent@example.com", Role: model.RoleAgent}
	if err := db.Create(&u).Error; err != nil {
		t.Fatal(err)
	}
	a := NewJWTAuthenticator(string(secret), db)

	tok, err := SignToken(secret, u.ID, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	got, err := a.Authenticate(context.Background(), "Bearer "+tok)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != u.ID || got.Role != model.RoleAgent {
		t.Fatalf("got %+v", got)
	}
}

func TestAuthenticateFailures(t *testing.T) {
	db := newDB(t)
	a := NewJWTAuthenticator(string(secret), db)

	expired, _ := SignToken(secret, 1, -time.Minute)
	foreign, _ := SignToken([]byte("other"), 1, time.Hour)
	unknown, _ := SignToken(secret, 999, time.Hour)

	for name, tok := range map[string]string{
		"empty":   "",
		"garbage": "not-a-jwt",
		"expired": expired,
		"foreign": foreign,
		"unknown": unknown,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), tok)
			if errs.KindOf(err) != errs.KindAuth {
				t.Fatalf("kind = %q (%v), want %q", errs.KindOf(err), err, errs.KindAuth)
			}
		})
	}
}
