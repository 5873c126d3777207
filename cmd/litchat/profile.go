package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"litchat/internal/config"
	"litchat/internal/moderation"

	"github.com/spf13/cobra"
)

func profileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Interactive setup: username → profile picture → server → save config",
		Long:  "Asks for the username and profile picture you chat with and the server to join. Writes config to the path used by --config or default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProfile(os.Stdin, os.Stdout)
		},
	}
}

func runProfile(in io.Reader, out io.Writer) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}
	mod, err := moderation.NewEngine(cfg.Moderation, logger)
	if err != nil {
		return err
	}

	reader := bufio.NewReader(in)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, " [%s]: ", def)
		} else {
			fmt.Fprint(out, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}

	// Step 1: Username
	fmt.Fprintln(out, "\n--- Step 1: Username ---")
	for {
		fmt.Fprint(out, "Name shown next to your messages")
		name, err := prompt(cfg.User.Name)
		if err != nil {
			return err
		}
		if err := mod.CheckIdentity(name, ""); err != nil {
			fmt.Fprintf(out, "  %v\n", err)
			continue
		}
		cfg.User.Name = name
		break
	}

	// Step 2: Profile picture
	fmt.Fprintln(out, "\n--- Step 2: Profile picture ---")
	for {
		fmt.Fprint(out, "Image URL (http/https or data:image/...), '-' for none")
		avatar, err := prompt(cfg.User.Avatar)
		if err != nil {
			return err
		}
		if avatar == "-" {
			avatar = ""
		}
		if err := mod.CheckIdentity(cfg.User.Name, avatar); err != nil {
			fmt.Fprintf(out, "  %v\n", err)
			continue
		}
		cfg.User.Avatar = avatar
		break
	}

	// Step 3: Server
	fmt.Fprintln(out, "\n--- Step 3: Server ---")
	fmt.Fprint(out, "Chat server URL")
	server, err := prompt(cfg.Client.ServerURL)
	if err != nil {
		return err
	}
	cfg.Client.ServerURL = server

	// Save
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nConfig saved to %s\n", cfgPath)
	fmt.Fprintln(out, "Next: run 'litchat chat' to join, or 'litchat serve' to host the room.")
	return nil
}
