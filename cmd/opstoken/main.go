// Command opstoken mints a bearer token for the ops API, signed with the
// same JWT settings the api process verifies against.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"leasing-telephony/internal/auth"
	"leasing-telephony/internal/config"
	"leasing-telephony/internal/rbac"
)

func main() {
	userID := flag.String("user", "", "operator user id")
	tenantID := flag.String("tenant", "", "tenant the token is scoped to")
	role := flag.String("role", rbac.RoleSupervisor, "role (tenant_admin, supervisor, agent, support_engineer, super_admin)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	m, err := auth.NewManager(cfg.Auth)
	if err != nil {
		slog.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	tok, err := m.Issue(time.Now(), *userID, *tenantID, *role)
	if err != nil {
		slog.Error("token issuance failed", "err", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
