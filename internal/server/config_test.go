package server

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
)

func TestDBDSNFromEnv_DatabaseURLWins(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/x")
	if got := dbDSNFromEnv(); got != "postgres://u:p@db:5432/x" {
		t.Fatalf("got=%q", got)
	}
}

func TestDBDSNFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{"DATABASE_URL", "DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE"} {
		t.Setenv(k, "")
	}
	t.Setenv("DB_PASSWORD", "p@ss")

	u, err := url.Parse(dbDSNFromEnv())
	if err != nil {
		t.Fatal(err)
	}
	pass, _ := u.User.Password()
	if u.Host != "127.0.0.1:5438" || u.Path != "/propertyops" || pass != "p@ss" || u.Query().Get("sslmode") != "disable" {
		t.Fatalf("u=%s", u)
	}
}

func TestStorageFromEnv(t *testing.T) {
	t.Setenv("STORAGE", "")
	if s, err := storageFromEnv(); err != nil || s != StoragePostgres {
		t.Fatalf("s=%q err=%v", s, err)
	}
	t.Setenv("STORAGE", " Memory ")
	if s, err := storageFromEnv(); err != nil || s != StorageMemory {
		t.Fatalf("s=%q err=%v", s, err)
	}
	t.Setenv("STORAGE", "sqlite")
	if _, err := storageFromEnv(); err == nil {
		t.Fatal("expected error")
	}
}

func TestLedgerStoreKindFromEnv(t *testing.T) {
	t.Setenv("IDEMPOTENCY_STORE", "")
	if k, _ := ledgerStoreKindFromEnv(StorageMemory); k != LedgerStoreMemory {
		t.Fatalf("k=%q", k)
	}
	if k, _ := ledgerStoreKindFromEnv(StoragePostgres); k != LedgerStorePostgres {
		t.Fatalf("k=%q", k)
	}
	t.Setenv("IDEMPOTENCY_STORE", "REDIS")
	if k, err := ledgerStoreKindFromEnv(StorageMemory); err != nil || k != LedgerStoreRedis {
		t.Fatalf("k=%q err=%v", k, err)
	}
	t.Setenv("IDEMPOTENCY_STORE", "etcd")
	if _, err := ledgerStoreKindFromEnv(StorageMemory); err == nil {
		t.Fatal("expected error")
	}
}

func TestIntEnv(t *testing.T) {
	t.Setenv("REDIS_DB", "")
	if n, err := intEnv("REDIS_DB", 3); err != nil || n != 3 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	t.Setenv("REDIS_DB", "x")
	if _, err := intEnv("REDIS_DB", 0); err == nil {
		t.Fatal("expected error")
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("ALLOWLIST_PATH", "/etc/allowlist.yaml")
	if p, err := configPath("ALLOWLIST_PATH", "config/routing/allowlist.yaml"); err != nil || p != "/etc/allowlist.yaml" {
		t.Fatalf("p=%q err=%v", p, err)
	}

	t.Setenv("ALLOWLIST_PATH", "")
	p, err := configPath("ALLOWLIST_PATH", "config/routing/allowlist.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(p); err != nil || filepath.Base(p) != "allowlist.yaml" {
		t.Fatalf("p=%q err=%v", p, err)
	}

	if _, err := configPath("NO_SUCH_PATH_ENV", "config/does-not-exist.yaml"); err == nil {
		t.Fatal("expected error")
	}
}

func TestEngineFromEnv_HTTPRequiresURL(t *testing.T) {
	t.Setenv("AUTHZ_ENGINE", "http")
	t.Setenv("AUTHZ_ENGINE_URL", "")
	if _, err := engineFromEnv(t.Context()); err == nil {
		t.Fatal("expected error")
	}
	t.Setenv("AUTHZ_ENGINE_URL", "http://opa.internal:8181")
	if _, err := engineFromEnv(t.Context()); err != nil {
		t.Fatalf("err=%v", err)
	}
}
