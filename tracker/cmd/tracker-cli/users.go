package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"gitlab.com/localtalent/cve-tracker/tracker"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Commands to manage users",
}

var userCreateCmd = &cobra.Command{
	Use:   "create <email>",
	Short: "Create a user, reading the password from stdin or TRACKER_PASSWORD",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserCreate,
}

var userFlags = struct {
	name       string
	superadmin bool
}{}

var orgCmd = &cobra.Command{
	Use:   "org",
	Short: "Commands to manage organizations",
}

var orgCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an organization",
	Args:  cobra.ExactArgs(1),
	RunE:  runOrgCreate,
}

var orgAddMemberCmd = &cobra.Command{
	Use:   "add-member <organization> <email>",
	Short: "Add a user to an organization",
	Args:  cobra.ExactArgs(2),
	RunE:  runOrgAddMember,
}

var orgFlags = struct {
	role string
}{}

func runUserCreate(cmd *cobra.Command, args []string) error {
	password, err := readPassword()
	if err != nil {
		return err
	}

	svc := tracker.NewService(App().DB)
	user, err := svc.CreateUser(cmd.Context(), args[0], userFlags.name, password, userFlags.superadmin)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created user %s (id %d)\n", user.Email, user.ID)
	return nil
}

func readPassword() (string, error) {
	if password := os.Getenv("TRACKER_PASSWORD"); password != "" {
		return password, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("could not read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("no password given")
	}
	return password, nil
}

func runOrgCreate(cmd *cobra.Command, args []string) error {
	svc := tracker.NewService(App().DB)
	tenant, err := svc.CreateTenant(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created organization %s (id %d)\n", tenant.Name, tenant.ID)
	return nil
}

func runOrgAddMember(cmd *cobra.Command, args []string) error {
	svc := tracker.NewService(App().DB)
	tenant, err := svc.TenantByName(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	user, err := svc.UserByEmail(cmd.Context(), args[1])
	if err != nil {
		return err
	}
	_, err = svc.AddMember(cmd.Context(), tenant.ID, user.ID, orgFlags.role)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s of %s\n", user.Email, orgFlags.role, tenant.Name)
	return nil
}

func init() {
	userCreateCmd.Flags().StringVar(&userFlags.name, "name", "", "Display name")
	userCreateCmd.Flags().BoolVar(&userFlags.superadmin, "superadmin", false, "Grant access to the sync and statistics endpoints")
	userCmd.AddCommand(userCreateCmd)
	rootCmd.AddCommand(userCmd)

	orgAddMemberCmd.Flags().StringVar(&orgFlags.role, "role", tracker.RoleMember, "Role of the user (admin or member)")
	orgCmd.AddCommand(orgCreateCmd)
	orgCmd.AddCommand(orgAddMemberCmd)
	rootCmd.AddCommand(orgCmd)
}
