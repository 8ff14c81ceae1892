package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/imageehr/ehr/internal/config"
	"github.com/imageehr/ehr/internal/domain/principal"
	"github.com/imageehr/ehr/internal/platform/db"
)

// passwordEnv lets scripts pass a password without putting it on the command
// line.
const passwordEnv = "EHR_PASSWORD"

func principalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "principal",
		Short: "Manage principals that can sign in",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			fullName, _ := cmd.Flags().GetString("full-name")
			roleName, _ := cmd.Flags().GetString("role")
			clinic, _ := cmd.Flags().GetString("clinic")
			email, _ := cmd.Flags().GetString("email")

			p, err := newPrincipal(username, fullName, roleName, clinic, email)
			if err != nil {
				return err
			}
			password, err := readPassword(cmd)
			if err != nil {
				return err
			}

			return withPrincipals(func(ctx context.Context, cfg *config.Config, repo principal.Repository) error {
				credential, err := hashPassword(cfg, username, password)
				if err != nil {
					return err
				}
				if err := repo.Create(ctx, p, credential); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created principal %s (%s, %s, clinic %s)\n", p.Username, p.ID, p.Role, p.ClinicScope)
				return nil
			})
		},
	}
	createCmd.Flags().String("username", "", "Login name")
	createCmd.Flags().String("full-name", "", "Display name")
	createCmd.Flags().String("role", string(principal.RoleStaff), "Role")
	createCmd.Flags().String("clinic", "", "Clinic id; empty grants every clinic")
	createCmd.Flags().String("email", "", "Contact email")
	createCmd.Flags().String("password", "", "Password; falls back to $"+passwordEnv+" then stdin")
	cmd.AddCommand(createCmd)

	setPasswordCmd := &cobra.Command{
		Use:   "set-password",
		Short: "Replace a principal's password",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			if username == "" {
				return fmt.Errorf("--username is required")
			}
			password, err := readPassword(cmd)
			if err != nil {
				return err
			}
			return withPrincipals(func(ctx context.Context, cfg *config.Config, repo principal.Repository) error {
				credential, err := hashPassword(cfg, username, password)
				if err != nil {
					return err
				}
				if err := repo.SetCredential(ctx, username, credential); err != nil {
					return notFound(username, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Password updated for %s\n", username)
				return nil
			})
		},
	}
	setPasswordCmd.Flags().String("username", "", "Login name")
	setPasswordCmd.Flags().String("password", "", "Password; falls back to $"+passwordEnv+" then stdin")
	cmd.AddCommand(setPasswordCmd)

	cmd.AddCommand(setActiveCmd("deactivate", "Stop a principal from signing in and end their sessions", false))
	cmd.AddCommand(setActiveCmd("activate", "Allow a deactivated principal to sign in again", true))

	return cmd
}

func setActiveCmd(use, short string, active bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			if username == "" {
				return fmt.Errorf("--username is required")
			}
			return withPrincipals(func(ctx context.Context, _ *config.Config, repo principal.Repository) error {
				if err := repo.SetActive(ctx, username, active); err != nil {
					return notFound(username, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Principal %s active=%t\n", username, active)
				return nil
			})
		},
	}
	cmd.Flags().String("username", "", "Login name")
	return cmd
}

// newPrincipal validates the create flags.
func newPrincipal(username, fullName, roleName, clinic, email string) (*principal.Principal, error) {
	if username == "" {
		return nil, fmt.Errorf("--username is required")
	}
	role, err := principal.ParseRole(roleName)
	if err != nil {
		return nil, err
	}
	scope := principal.AllClinics()
	if clinic != "" {
		id, err := uuid.Parse(clinic)
		if err != nil {
			return nil, fmt.Errorf("--clinic must be a UUID: %w", err)
		}
		scope = principal.SingleClinic(id)
	}
	if fullName == "" {
		fullName = username
	}
	p := &principal.Principal{
		Username:    username,
		FullName:    fullName,
		Role:        role,
		ClinicScope: scope,
		Active:      true,
	}
	if email != "" {
		p.Email = &email
	}
	return p, nil
}

// readPassword takes the password from --password, $EHR_PASSWORD or the
// first line of stdin, in that order.
func readPassword(cmd *cobra.Command) (string, error) {
	if pw, _ := cmd.Flags().GetString("password"); pw != "" {
		return pw, nil
	}
	if pw, ok := os.LookupEnv(passwordEnv); ok && pw != "" {
		return pw, nil
	}
	return firstLine(cmd.InOrStdin())
}

func firstLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("a password is required")
	}
	return line, nil
}

func hashPassword(cfg *config.Config, username, password string) (string, error) {
	limits := principal.Limits{MaxUsernameLen: cfg.LoginMaxUsernameLen, MaxPasswordLen: cfg.LoginMaxPasswordLen}
	if err := limits.Check(username, password); err != nil {
		return "", err
	}
	return principal.NewLegacyAwareMatcher(cfg.BcryptCost).Hash(password)
}

func notFound(username string, err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("no principal named %q", username)
	}
	return err
}

func withPrincipals(fn func(ctx context.Context, cfg *config.Config, repo principal.Repository) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, cfg, principal.NewRepo(pool, cfg.DBAcquireTimeout))
}
