// Command-line admin tool for the chatline backend
package main

import (
	"chatline/chatline/config"
	"chatline/chatline/services/auth"
	"chatline/chatline/sources/psql"
	"chatline/chatline/sources/psql/dao"
	"chatline/chatline/types"
	"chatline/chatline/utils/logging"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// openDB is swapped out in tests.
var openDB = func(ctx context.Context, cfg config.Config) (*gorm.DB, func(), error) {
	db, err := psql.NewDatabase(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return db.DB, db.Close, nil
}

func main() {
	cfg := config.LoadConfig()
	logging.InitLogger(cfg.LogDir)
	defer logging.Sync()

	if err := newRootCmd(cfg).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:          "chatline",
		Short:        "Admin tool for the chatline chat backend",
		SilenceUsage: true,
	}
	root.AddCommand(newMigrateCmd(cfg), newTokenCmd(cfg), newRoomsCmd(cfg))
	return root
}

func newMigrateCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			db, closeDB, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeDB()
			if err := psql.Migrate(ctx, db); err != nil {
				return err
			}
			logging.AppLogger.Info("schema migrated from CLI")
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

func newTokenCmd(cfg config.Config) *cobra.Command {
	var uid, email string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user id",
		Long:  "Issue a bearer token for a user id. The profile is created on first use.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ttl == 0 {
				ttl = cfg.TokenTTL
			}
			verifier, err := auth.NewVerifier(cfg.JWTSecret, ttl)
			if err != nil {
				return err
			}
			token, err := verifier.Issue(uid, email)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&uid, "uid", "", "user id to issue the token for")
	cmd.Flags().StringVar(&email, "email", "", "email carried in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to TOKEN_TTL)")
	_ = cmd.MarkFlagRequired("uid")
	return cmd
}

func newRoomsCmd(cfg config.Config) *cobra.Command {
	rooms := &cobra.Command{
		Use:   "rooms",
		Short: "Manage chat rooms",
	}

	var uid, title string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a chat room owned by a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := types.CreateChatRequest{Title: title}
			if err := req.Validate(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			db, closeDB, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeDB()

			user, err := dao.NewUserDAO(db).GetUserByUID(ctx, uid)
			if err != nil {
				return err
			}
			if user == nil {
				return fmt.Errorf("user %q not found", uid)
			}
			room, err := dao.NewChatDAO(db).CreateRoom(ctx, uid, req.Title)
			if err != nil {
				return err
			}
			logging.AppLogger.Info("chat room created from CLI", zap.String("chat_id", room.ID.String()))
			return json.NewEncoder(cmd.OutOrStdout()).Encode(room)
		},
	}
	create.Flags().StringVar(&uid, "uid", "", "owner user id")
	create.Flags().StringVar(&title, "title", "", "room title (1-100 characters)")
	_ = create.MarkFlagRequired("uid")
	_ = create.MarkFlagRequired("title")

	var listUID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a user's chat rooms, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			db, closeDB, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeDB()
			found, err := dao.NewChatDAO(db).ListRoomsForUser(ctx, listUID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range found {
				fmt.Fprintf(out, "%s\t%d\t%s\n", r.ID, r.MessageCount, r.Title)
			}
			return nil
		},
	}
	list.Flags().StringVar(&listUID, "uid", "", "owner user id")
	_ = list.MarkFlagRequired("uid")

	rooms.AddCommand(create, list)
	return rooms
}
