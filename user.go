package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"chatrelay/db"

	"github.com/spf13/cobra"
)

var historyLimit int

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage accounts in the server database",
}

func init() {
	historyCmd := &cobra.Command{
		Use:   "history <login> <contact>",
		Short: "Print the messages exchanged between two users",
		Args:  cobra.ExactArgs(2),
		RunE:  withDB(runUserHistory),
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum number of messages")

	userCmd.AddCommand(
		&cobra.Command{
			Use:   "add <login> [password]",
			Short: "Create an account; the password may come from CHATRELAY_PASSWORD",
			Args:  cobra.RangeArgs(1, 2),
			RunE:  withDB(runUserAdd),
		},
		&cobra.Command{
			Use:   "del <login>",
			Short: "Delete an account with its contacts and login history",
			Args:  cobra.ExactArgs(1),
			RunE:  withDB(runUserDel),
		},
		&cobra.Command{
			Use:   "list",
			Short: "List accounts with message counts",
			Args:  cobra.NoArgs,
			RunE:  withDB(runUserList),
		},
		&cobra.Command{
			Use:   "logins <login>",
			Short: "Print the login history of an account",
			Args:  cobra.ExactArgs(1),
			RunE:  withDB(runUserLogins),
		},
		historyCmd,
	)
}

// withDB opens the configured database for the duration of one command.
func withDB(run func(cmd *cobra.Command, args []string, database *db.DB) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := db.New(cfg.DB.Path)
		if err != nil {
			return fmt.Errorf("open database %s: %w", cfg.DB.Path, err)
		}
		defer database.Close()
		return run(cmd, args, database)
	}
}

func runUserAdd(cmd *cobra.Command, args []string, database *db.DB) error {
	login := args[0]
	password := os.Getenv("CHATRELAY_PASSWORD")
	if len(args) == 2 {
		password = args[1]
	}
	if password == "" {
		return errors.New("password required")
	}
	if err := database.CreateUser(login, password); err != nil {
		return fmt.Errorf("create %s: %w", login, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "user %s created\n", login)
	return nil
}

func runUserDel(cmd *cobra.Command, args []string, database *db.DB) error {
	if err := database.DeleteUser(args[0]); err != nil {
		return fmt.Errorf("delete %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "user %s deleted\n", args[0])
	return nil
}

func runUserList(cmd *cobra.Command, args []string, database *db.DB) error {
	users, err := database.Users()
	if err != nil {
		return err
	}
	stats, err := database.Stats()
	if err != nil {
		return err
	}
	counts := make(map[string][2]int, len(stats))
	for _, s := range stats {
		counts[s.Login] = [2]int{s.Sent, s.Received}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOGIN\tLAST LOGIN\tSENT\tRECEIVED\tKEY")
	for _, u := range users {
		last := "-"
		if !u.LastLogin.IsZero() {
			last = u.LastLogin.Format(time.RFC3339)
		}
		key := "no"
		if u.PublicKey != "" {
			key = "yes"
		}
		c := counts[u.Login]
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", u.Login, last, c[0], c[1], key)
	}
	return w.Flush()
}

func runUserLogins(cmd *cobra.Command, args []string, database *db.DB) error {
	records, err := database.LoginHistory(args[0])
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tIP\tPORT")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%d\n", r.At.Format(time.RFC3339), r.IP, r.Port)
	}
	return w.Flush()
}

func runUserHistory(cmd *cobra.Command, args []string, database *db.DB) error {
	messages, err := database.GetMessages(args[0], args[1], historyLimit)
	if err != nil {
		return err
	}
	for _, m := range messages {
		fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s -> %s: %s\n",
			m.Timestamp.Local().Format("2006-01-02 15:04:05"), m.Sender, m.Recipient, m.Text)
	}
	return nil
}
