package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"

	"github.com/arcward/beanbot/beanbot"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// readPassword reads a password without echoing it. Tests replace it.
var readPassword = func() ([]byte, error) {
	return term.ReadPassword(int(syscall.Stdin))
}

var resetAdmin bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database and set the admin API credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		db, err := beanbot.CreateDB(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()

		var current beanbot.RuntimeConfig
		if err = db.WithContext(ctx).Order("id").Limit(1).Find(&current).Error; err != nil {
			return fmt.Errorf("error reading runtime config: %w", err)
		}
		if current.AdminUsername != "" && !resetAdmin {
			fmt.Fprintf(out, "Admin credentials are already set for %q (use --reset to change them)\n", current.AdminUsername)
			return nil
		}

		username, password, err := promptCredentials(cmd.InOrStdin(), out)
		if err != nil {
			return err
		}
		if err = beanbot.SetAdminCredentials(ctx, db, username, password); err != nil {
			return err
		}
		fmt.Fprintf(out, "Admin credentials set for %q. Start the bot with `beanbot run`.\n", username)
		return nil
	},
}

// promptCredentials asks for a username, then a password twice until
// both entries match
func promptCredentials(in io.Reader, out io.Writer) (string, string, error) {
	fmt.Fprint(out, "Admin username: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", "", fmt.Errorf("error reading username: %w", err)
	}
	username := strings.TrimSpace(line)
	if username == "" {
		return "", "", errors.New("username can't be empty")
	}

	for attempt := 0; attempt < 3; attempt++ {
		fmt.Fprint(out, "Admin password: ")
		password, e := readPassword()
		fmt.Fprintln(out)
		if e != nil {
			return "", "", fmt.Errorf("error reading password: %w", e)
		}
		fmt.Fprint(out, "Confirm password: ")
		confirm, e := readPassword()
		fmt.Fprintln(out)
		if e != nil {
			return "", "", fmt.Errorf("error reading password: %w", e)
		}

		switch {
		case len(password) == 0:
			fmt.Fprintln(out, "Password can't be empty")
		case string(password) != string(confirm):
			fmt.Fprintln(out, "Passwords don't match")
		default:
			return username, string(password), nil
		}
	}
	return "", "", errors.New("too many attempts")
}

func init() {
	initCmd.Flags().BoolVar(&resetAdmin, "reset", false, "replace existing admin credentials")
	rootCmd.AddCommand(initCmd)
}
